package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"snapwh/internal/transformer"
	"snapwh/internal/transformer/builtin"
)

// Options controls CSV parsing.
type Options struct {
	// HasHeader makes the first record a header. Header names match target
	// columns after trimming, lowercasing and turning spaces into "_", unless
	// HeaderMap names the target explicitly.
	HasHeader bool
	HeaderMap map[string]string

	// Comma is the field delimiter. Zero means ','.
	Comma rune

	TrimSpace  bool
	LazyQuotes bool

	// FieldsPerRecord is passed to encoding/csv. Zero disables the check.
	FieldsPerRecord int
}

// StreamCSVRows sends one pooled *transformer.Row per record on out, with
// values in columns order. Empty fields and unmapped columns are nil.
// Without a header, fields are taken positionally.
//
// Unreadable records are reported through onErr and skipped. Rows in flight
// at cancellation are dropped, not pooled.
func StreamCSVRows(
	ctx context.Context,
	src io.Reader,
	columns []string,
	opt Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	cr := newReader(src, opt)
	report := func(line int, err error) {
		if onErr != nil {
			onErr(line, err)
		}
	}

	line := 0
	var index []int
	if opt.HasHeader {
		line++
		hdr, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			report(line, fmt.Errorf("read header: %w", err))
			return err
		}
		index = headerIndex(hdr, columns, opt.HeaderMap)
	} else {
		index = make([]int, len(columns))
		for i := range index {
			index[i] = i
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			report(line, fmt.Errorf("csv read: %w", err))
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line
		for t, si := range index {
			if si < 0 || si >= len(rec) {
				continue
			}
			v := rec[si]
			if opt.TrimSpace && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}

func newReader(src io.Reader, opt Options) *csv.Reader {
	cr := csv.NewReader(src)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1
	if opt.FieldsPerRecord != 0 {
		cr.FieldsPerRecord = opt.FieldsPerRecord
	}
	return cr
}

// headerIndex maps each target column to its source position, -1 if absent.
func headerIndex(hdr, columns []string, headerMap map[string]string) []int {
	pos := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if mapped, ok := headerMap[h]; ok {
			h = mapped
		} else {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		pos[h] = i
	}
	index := make([]int, len(columns))
	for t, c := range columns {
		index[t] = -1
		if si, ok := pos[c]; ok {
			index[t] = si
		}
	}
	return index
}
