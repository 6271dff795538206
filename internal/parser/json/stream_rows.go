package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Record is one JSON object read from a payload file.
type Record struct {
	// Line is the 1-based ordinal of the record in its file.
	Line int

	// Raw holds the record bytes as they appeared in the input.
	Raw json.RawMessage

	// Value is the decoded object. Numbers are json.Number.
	Value map[string]any
}

// StreamRecords parses JSON from r and calls emit once per object record.
//
// Accepted shapes:
//   - a root array of objects, streamed element by element;
//   - a root object whose first array-valued field holds the records
//     (envelope), the other fields ignored;
//   - a single root object, emitted as one record;
//   - any of the above followed by further objects (JSON Lines tail).
//
// null records are skipped and do not advance Line. A malformed record aborts
// the stream; onParseErr is told the ordinal it would have had.
func StreamRecords(
	ctx context.Context,
	r io.Reader,
	emit func(Record) error,
	onParseErr func(line int, err error),
) error {
	br := bufio.NewReader(r)
	first, err := peekValueStart(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("json: read: %w", err)
	}

	s := &streamer{ctx: ctx, emit: emit, onErr: onParseErr}
	dec := newDecoder(br)

	switch first {
	case '[':
		if _, err := dec.Token(); err != nil {
			return s.parseErr("read array start", err)
		}
		if err := s.array(dec); err != nil {
			return err
		}
		if _, err := dec.Token(); err != nil {
			return s.parseErr("read array end", err)
		}
	case '{':
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return s.parseErr("decode root object", err)
		}
		if err := s.root(raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("json: unsupported root %q (want object or array)", first)
	}
	return s.tail(dec)
}

type streamer struct {
	ctx   context.Context
	emit  func(Record) error
	onErr func(line int, err error)
	line  int
}

func newDecoder(r io.Reader) *json.Decoder {
	d := json.NewDecoder(r)
	d.UseNumber()
	return d
}

// peekValueStart returns the first byte of the root value without consuming
// it. A UTF-8 byte order mark and leading whitespace are discarded.
func peekValueStart(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func (s *streamer) parseErr(what string, err error) error {
	if s.onErr != nil {
		s.onErr(s.line+1, err)
	}
	return fmt.Errorf("json: %s: %w", what, err)
}

// record decodes raw and emits it. A JSON null is skipped.
func (s *streamer) record(raw json.RawMessage) error {
	obj, err := decodeObject(raw)
	if err != nil {
		return s.parseErr("record", err)
	}
	if obj == nil {
		return nil
	}
	s.line++
	if err := s.emit(Record{Line: s.line, Raw: raw, Value: obj}); err != nil {
		return err
	}
	return s.ctx.Err()
}

// array streams the elements of an array whose '[' was consumed.
func (s *streamer) array(dec *json.Decoder) error {
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return s.parseErr("decode array element", err)
		}
		if err := s.record(raw); err != nil {
			return err
		}
	}
	return nil
}

// root handles a root object: the first array-valued field is the record
// list; without one the object itself is the record.
func (s *streamer) root(raw json.RawMessage) error {
	d := newDecoder(bytes.NewReader(raw))
	if _, err := d.Token(); err != nil {
		return s.parseErr("read object start", err)
	}
	for d.More() {
		if _, err := d.Token(); err != nil {
			return s.parseErr("read object key", err)
		}
		var v json.RawMessage
		if err := d.Decode(&v); err != nil {
			return s.parseErr("decode object field", err)
		}
		if v = bytes.TrimSpace(v); len(v) > 0 && v[0] == '[' {
			ad := newDecoder(bytes.NewReader(v))
			if _, err := ad.Token(); err != nil {
				return s.parseErr("read envelope array", err)
			}
			return s.array(ad)
		}
	}
	return s.record(raw)
}

// tail emits the objects that follow the root value.
func (s *streamer) tail(dec *json.Decoder) error {
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return s.parseErr("decode trailing object", err)
		}
		if err := s.record(raw); err != nil {
			return err
		}
	}
}

// decodeObject decodes raw into an object, keeping numbers as json.Number.
// A JSON null yields (nil, nil).
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var v any
	if err := newDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("not an object (got %T)", v)
	}
	return obj, nil
}
