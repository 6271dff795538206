// Package builtin contains small, reusable value transforms used by the loader.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hash computes the row_hash stored next to every SCD2 version: a SHA-256
// over an ordered list of attribute values, hex encoded.
//
// Encoding of each component:
//   - components are joined with Separator (default 0x1f);
//   - with IncludeFieldNames a component reads "name=value";
//   - nil is a single NUL byte, so NULL hashes unlike "" or 0 unless the
//     caller canonicalizes first;
//   - times are RFC3339Nano in UTC.
type Hash struct {
	// Fields names each value position. Required when IncludeFieldNames is set.
	Fields []string

	IncludeFieldNames bool

	Separator string

	// TrimSpace trims edge whitespace of string and []byte values.
	TrimSpace bool
}

// Sum returns the lowercase hex hash of values.
func (h Hash) Sum(values []any) string {
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	d := sha256.New()
	buf := make([]byte, 0, 64)
	for i, v := range values {
		buf = buf[:0]
		if i > 0 {
			buf = append(buf, sep...)
		}
		if h.IncludeFieldNames && i < len(h.Fields) {
			buf = append(buf, h.Fields[i]...)
			buf = append(buf, '=')
		}
		buf = h.appendValue(buf, v)
		d.Write(buf)
	}
	return hex.EncodeToString(d.Sum(nil))
}

func (h Hash) appendValue(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, 0)
	case string:
		if h.TrimSpace && HasEdgeSpace(t) {
			t = strings.TrimSpace(t)
		}
		return append(buf, t...)
	case []byte:
		return h.appendValue(buf, string(t))
	case bool:
		return strconv.AppendBool(buf, t)
	case int:
		return strconv.AppendInt(buf, int64(t), 10)
	case int32:
		return strconv.AppendInt(buf, int64(t), 10)
	case int64:
		return strconv.AppendInt(buf, t, 10)
	case uint64:
		return strconv.AppendUint(buf, t, 10)
	case float64:
		return strconv.AppendFloat(buf, t, 'g', -1, 64)
	case time.Time:
		if !t.IsZero() {
			t = t.UTC()
		}
		return t.AppendFormat(buf, time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return append(buf, 0)
		}
		return h.appendValue(buf, *t)
	default:
		return fmt.Append(buf, t)
	}
}

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace, a
// cheap check before strings.TrimSpace.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
