package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"snapwh/internal/records"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	d := json.NewDecoder(bytes.NewReader([]byte(s)))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return m
}

func mustNew(t *testing.T, opt Options) *Normalizer {
	t.Helper()
	n, err := New(opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

var rc = records.NewRunContext(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 7061, false)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestNormalize_Variants(t *testing.T) {
	t.Parallel()

	n := mustNew(t, Options{})

	tests := []struct {
		name    string
		payload string
		want    records.StagedRecord
	}{
		{
			name: "flat scraper shape with string counts",
			payload: `{"id":"7","text":"  hello  ","diggCount":"100","createTime":1700000000,
				"authorMeta":{"id":"A1","name":"alice","nickName":"Alice","avatar":"http://a"},
				"videoMeta":{"duration":15},"webVideoUrl":"http://v/7"}`,
			want: records.StagedRecord{
				DateKey: 7061,
				Actor:   &records.Actor{ActorID: "A1", Name: "alice", Nickname: "Alice", Avatar: "http://a"},
				Item: records.Item{
					ItemID: "7", ActorID: "A1", TextContent: "hello", Duration: 15,
					CreateTime: ts("2023-11-14T22:13:20Z"), WebURL: "http://v/7",
				},
				Interaction: records.Interaction{ItemID: "7", DiggCount: 100},
			},
		},
		{
			name: "nested api shape",
			payload: `{"video":{"id":8,"desc":"d","duration":"30.9","createTime":"2024-05-01T10:00:00Z"},
				"author":{"id":"A2","uniqueId":"bob","nickname":"Bob","avatarThumb":"t"},
				"stats":{"playCount":12.7,"shareCount":"x"}}`,
			want: records.StagedRecord{
				DateKey: 7061,
				Actor:   &records.Actor{ActorID: "A2", Name: "bob", Nickname: "Bob", Avatar: "t"},
				Item: records.Item{
					ItemID: "8", ActorID: "A2", TextContent: "d", Duration: 30,
					CreateTime: ts("2024-05-01T10:00:00Z"),
				},
				Interaction: records.Interaction{ItemID: "8", PlayCount: 12},
			},
		},
		{
			name:    "itemInfo shape without author",
			payload: `{"itemInfo":{"itemId":"9","video":{"duration":5}},"statsV2":{"commentCount":"3"},"author":{"id":"  "}}`,
			want: records.StagedRecord{
				DateKey:     7061,
				Item:        records.Item{ItemID: "9", Duration: 5},
				Interaction: records.Interaction{ItemID: "9", CommentCount: 3},
			},
		},
		{
			name:    "empty first candidate falls through",
			payload: `{"id":"","video":{"id":"10"},"text":"","desc":"fallback"}`,
			want: records.StagedRecord{
				DateKey:     7061,
				Item:        records.Item{ItemID: "10", TextContent: "fallback"},
				Interaction: records.Interaction{ItemID: "10"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := n.Normalize(rc, decode(t, tt.payload))
			if !ok {
				t.Fatalf("record dropped")
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Normalize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize_DropsWithoutItemID(t *testing.T) {
	t.Parallel()

	n := mustNew(t, Options{})
	for _, p := range []string{
		`{"authorMeta":{"id":"A1"},"diggCount":5}`,
		`{"id":null,"video":{"id":"   "},"itemInfo":{}}`,
		`{"id":{"nested":"object"}}`,
	} {
		if rec, ok := n.Normalize(rc, decode(t, p)); ok {
			t.Fatalf("%s: expected drop, got %+v", p, rec)
		}
	}
}

func TestNormalize_TextIsNFCAndTruncated(t *testing.T) {
	t.Parallel()

	n := mustNew(t, Options{MaxTextRunes: 4})
	// "e" + combining acute composes to a single rune.
	got, ok := n.Normalize(rc, decode(t, `{"id":"1","text":"e\u0301t\u00e9s\u00e9"}`))
	if !ok {
		t.Fatalf("dropped")
	}
	if got.Item.TextContent != "\u00e9t\u00e9s" {
		t.Fatalf("text=%q", got.Item.TextContent)
	}
}

func TestNormalize_PathOverride(t *testing.T) {
	t.Parallel()

	n := mustNew(t, Options{Paths: FieldPaths{
		FieldItemID:    {"aweme_id"},
		FieldDiggCount: {"statistics.digg_count"},
	}})
	got, ok := n.Normalize(rc, decode(t, `{"id":"ignored","aweme_id":"z","statistics":{"digg_count":4},"diggCount":99}`))
	if !ok || got.Item.ItemID != "z" || got.Interaction.DiggCount != 4 {
		t.Fatalf("got=%+v ok=%v", got, ok)
	}
}

func TestNew_RejectsBadPaths(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Paths: FieldPaths{FieldText: {"a.[["}}}); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := New(Options{Paths: FieldPaths{"bogus": {"a"}}}); err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err=%v want unknown field", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string // RFC3339Nano, "" = unset
	}{
		{"1700000000", "2023-11-14T22:13:20Z"},
		{"2024-05-01T10:00:00Z", "2024-05-01T10:00:00Z"},
		{"2024-05-01T10:00:00.123456", "2024-05-01T10:00:00.123456Z"},
		{"2024-05-01T10:00:00+07:00", "2024-05-01T10:00:00Z"},
		{"2024-05-01T10:00:00+0700", "2024-05-01T10:00:00Z"},
		{"2024-05-01T10:00:00.123 UTC", "2024-05-01T10:00:00Z"},
		{"2024-05-01 10:00:00", "2024-05-01T10:00:00Z"},
		{"2024-05-01 10:00:00.5", "2024-05-01T10:00:00.5Z"},
		{"2024-05-01", ""},
		{"yesterday", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if tt.want == "" {
			if ok {
				t.Fatalf("ParseTimestamp(%q)=%v want unset", tt.in, got)
			}
			continue
		}
		if !ok || got.Format(time.RFC3339Nano) != tt.want {
			t.Fatalf("ParseTimestamp(%q)=%v,%v want %s", tt.in, got.Format(time.RFC3339Nano), ok, tt.want)
		}
	}
}

func TestToInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want int64
	}{
		{json.Number("42"), 42},
		{json.Number("4.9"), 4},
		{"-3.7", -3},
		{" 12 ", 12},
		{"n/a", 0},
		{float64(1e30), 0},
		{true, 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := ToInt(tt.in); got != tt.want {
			t.Fatalf("ToInt(%#v)=%d want %d", tt.in, got, tt.want)
		}
	}
}
