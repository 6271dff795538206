package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"snapwh/internal/records"
)

// DefaultMaxTextRunes bounds every text attribute.
const DefaultMaxTextRunes = 500

// Options configures a Normalizer. The zero value uses DefaultPaths and
// DefaultMaxTextRunes.
type Options struct {
	// Paths overrides DefaultPaths per field.
	Paths FieldPaths

	MaxTextRunes int
}

// Normalizer turns decoded payloads into staged records. It is safe for
// concurrent use.
type Normalizer struct {
	paths   compiledPaths
	maxText int
}

func New(opt Options) (*Normalizer, error) {
	paths, err := compile(DefaultPaths().Merge(opt.Paths))
	if err != nil {
		return nil, err
	}
	maxText := opt.MaxTextRunes
	if maxText <= 0 {
		maxText = DefaultMaxTextRunes
	}
	return &Normalizer{paths: paths, maxText: maxText}, nil
}

// Normalize resolves a staged record from payload. ok is false when no item
// id could be resolved; such records are dropped by callers without a trace.
func (n *Normalizer) Normalize(rc records.RunContext, payload map[string]any) (rec records.StagedRecord, ok bool) {
	itemID, ok := n.text(payload, FieldItemID)
	if !ok {
		return records.StagedRecord{}, false
	}

	rec.DateKey = rc.TodayDateKey

	actorID, hasActor := n.text(payload, FieldActorID)
	if hasActor {
		rec.Actor = &records.Actor{
			ActorID:  actorID,
			Name:     n.textOrEmpty(payload, FieldActorName),
			Nickname: n.textOrEmpty(payload, FieldActorNick),
			Avatar:   n.textOrEmpty(payload, FieldActorAvatar),
		}
	}

	rec.Item = records.Item{
		ItemID:      itemID,
		ActorID:     actorID,
		TextContent: n.textOrEmpty(payload, FieldText),
		Duration:    n.count(payload, FieldDuration),
		WebURL:      n.textOrEmpty(payload, FieldWebURL),
	}
	if s, ok := n.text(payload, FieldCreateTime); ok {
		if ts, ok := ParseTimestamp(s); ok {
			rec.Item.CreateTime = &ts
		}
	}

	rec.Interaction = records.Interaction{
		ItemID:       itemID,
		DiggCount:    n.count(payload, FieldDiggCount),
		PlayCount:    n.count(payload, FieldPlayCount),
		ShareCount:   n.count(payload, FieldShareCount),
		CommentCount: n.count(payload, FieldCommentCount),
		CollectCount: n.count(payload, FieldCollectCount),
	}
	return rec, true
}

// lookup returns the first present value among the field's paths.
func (n *Normalizer) lookup(payload map[string]any, f Field) (any, bool) {
	for _, p := range n.paths[f] {
		v, err := p.Search(payload)
		if err != nil {
			continue
		}
		if present(v) {
			return v, true
		}
	}
	return nil, false
}

func (n *Normalizer) text(payload map[string]any, f Field) (string, bool) {
	v, ok := n.lookup(payload, f)
	if !ok {
		return "", false
	}
	s, ok := scalarText(v)
	if !ok {
		return "", false
	}
	return n.clean(s), true
}

func (n *Normalizer) textOrEmpty(payload map[string]any, f Field) string {
	s, _ := n.text(payload, f)
	return s
}

func (n *Normalizer) count(payload map[string]any, f Field) int64 {
	v, ok := n.lookup(payload, f)
	if !ok {
		return 0
	}
	return ToInt(v)
}

// clean trims, NFC-normalizes and truncates s.
func (n *Normalizer) clean(s string) string {
	s = strings.TrimSpace(s)
	if !norm.NFC.IsNormalString(s) {
		s = norm.NFC.String(s)
	}
	if utf8.RuneCountInString(s) <= n.maxText {
		return s
	}
	runes := 0
	for i := range s {
		if runes == n.maxText {
			return s[:i]
		}
		runes++
	}
	return s
}

// present: non-null, and non-empty after trimming.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case json.Number:
		return strings.TrimSpace(string(x)) != ""
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

// scalarText renders scalars as text. Objects and arrays are not text.
func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case int, int64, int32:
		return fmt.Sprint(x), true
	default:
		return "", false
	}
}

// ToInt coerces JSON numbers and numeric strings to an integer, truncating
// toward zero. Anything else is 0.
func ToInt(v any) int64 {
	switch x := v.(type) {
	case json.Number:
		return parseInt(string(x))
	case string:
		return parseInt(x)
	case float64:
		return truncFloat(x)
	case int:
		return int64(x)
	case int64:
		return x
	case int32:
		return int64(x)
	default:
		return 0
	}
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return truncFloat(f)
}

func truncFloat(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int64(f)
}

// ParseTimestamp accepts epoch seconds (all digits) or an ISO-8601 date-time
// with a 'T' or space separator. A trailing 'Z' is stripped. When the full
// string does not parse, only its first 19 characters are tried, so any zone
// offset is dropped and the wall-clock time kept. Results are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if allDigits(s) {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0).UTC(), true
	}

	s = strings.TrimSuffix(s, "Z")
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	if !strings.Contains(s, "T") {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), true
	}
	if len(s) >= 19 {
		if t, err := time.Parse("2006-01-02T15:04:05", s[:19]); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
