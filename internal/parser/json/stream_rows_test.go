package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// runStream runs StreamRecords and returns (records, err, parseErrCalls).
//
// parseErrCalls captures "line=N" so comparisons don't depend on decoder
// error wording.
func runStream(ctx context.Context, input string) (recs []Record, err error, parseErrCalls []string) {
	emit := func(r Record) error {
		recs = append(recs, r)
		return nil
	}
	onParseErr := func(line int, e error) {
		parseErrCalls = append(parseErrCalls, fmt.Sprintf("line=%d", line))
	}
	err = StreamRecords(ctx, strings.NewReader(input), emit, onParseErr)
	return recs, err, parseErrCalls
}

func ids(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, fmt.Sprint(r.Value["id"]))
	}
	return out
}

func TestStreamRecords_RootArray_StreamsObjectsAndTrailingJSONL(t *testing.T) {
	t.Parallel()

	in := `[{"id":"a","n":1},null,{"id":"b","n":2}]
{"id":"c"}
`
	recs, err, calls := runStream(context.Background(), in)
	if err != nil {
		t.Fatalf("StreamRecords: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("unexpected parse errors: %v", calls)
	}
	if got := strings.Join(ids(recs), ","); got != "a,b,c" {
		t.Fatalf("ids=%s want a,b,c", got)
	}
	for i, r := range recs {
		if r.Line != i+1 {
			t.Fatalf("recs[%d].Line=%d want %d", i, r.Line, i+1)
		}
	}
	if string(recs[0].Raw) != `{"id":"a","n":1}` {
		t.Fatalf("raw not preserved: %s", recs[0].Raw)
	}
	if n, ok := recs[0].Value["n"].(json.Number); !ok || n.String() != "1" {
		t.Fatalf("n=%#v want json.Number(1)", recs[0].Value["n"])
	}
}

func TestStreamRecords_Envelope_StreamsFirstArrayField(t *testing.T) {
	t.Parallel()

	in := `{"meta":{"page":1},"data":[{"id":"x"},{"id":"y"}],"more":[1,2,3],"cursor":"z"}`
	recs, err, _ := runStream(context.Background(), in)
	if err != nil {
		t.Fatalf("StreamRecords: %v", err)
	}
	if got := strings.Join(ids(recs), ","); got != "x,y" {
		t.Fatalf("ids=%s want x,y", got)
	}
}

func TestStreamRecords_SingleObject(t *testing.T) {
	t.Parallel()

	in := `{"id":"solo","author":{"id":"u1","nickname":"N"},"stats":{"playCount":"12"}}`
	recs, err, _ := runStream(context.Background(), in)
	if err != nil {
		t.Fatalf("StreamRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Line != 1 {
		t.Fatalf("recs=%+v want one record on line 1", recs)
	}
	author, ok := recs[0].Value["author"].(map[string]any)
	if !ok || author["nickname"] != "N" {
		t.Fatalf("author=%#v", recs[0].Value["author"])
	}
	var back map[string]any
	if err := json.Unmarshal(recs[0].Raw, &back); err != nil {
		t.Fatalf("raw is not valid JSON: %v", err)
	}
}

func TestStreamRecords_EmptyInput(t *testing.T) {
	t.Parallel()

	recs, err, _ := runStream(context.Background(), "   \n")
	if err != nil || len(recs) != 0 {
		t.Fatalf("recs=%v err=%v want none", recs, err)
	}
}

func TestStreamRecords_MalformedElement_ReportsLine(t *testing.T) {
	t.Parallel()

	in := `[{"id":"a"},{"id":"b"},{"id":}]`
	recs, err, calls := runStream(context.Background(), in)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(recs) != 2 {
		t.Fatalf("recs=%d want 2 emitted before the failure", len(recs))
	}
	if len(calls) != 1 || calls[0] != "line=3" {
		t.Fatalf("calls=%v want [line=3]", calls)
	}
}

func TestStreamRecords_NonObjectElement(t *testing.T) {
	t.Parallel()

	_, err, calls := runStream(context.Background(), `[{"id":"a"}, 42]`)
	if err == nil || len(calls) != 1 || calls[0] != "line=2" {
		t.Fatalf("err=%v calls=%v", err, calls)
	}
}

func TestStreamRecords_UnsupportedRoot(t *testing.T) {
	t.Parallel()

	_, err, _ := runStream(context.Background(), `"just a string"`)
	if err == nil {
		t.Fatalf("expected error for scalar root")
	}
}

func TestStreamRecords_EmitErrorStops(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	n := 0
	err := StreamRecords(context.Background(), strings.NewReader(`[{"id":1},{"id":2},{"id":3}]`), func(Record) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	}, nil)
	if !errors.Is(err, stop) || n != 2 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

func TestStreamRecords_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := StreamRecords(ctx, strings.NewReader(`[{"id":1},{"id":2}]`), func(Record) error {
		n++
		cancel()
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if n != 1 {
		t.Fatalf("emitted=%d want 1", n)
	}
}

func TestStreamRecords_ByteOrderMark(t *testing.T) {
	t.Parallel()

	recs, err, _ := runStream(context.Background(), "\uFEFF  [{\"id\":\"a\"}]")
	if err != nil || len(recs) != 1 {
		t.Fatalf("recs=%v err=%v want one record", recs, err)
	}
}

func TestStreamRecords_EnvelopeSkipsNullsAndKeepsLineOrdinals(t *testing.T) {
	t.Parallel()

	in := `{"cursor":"z","items":[null,{"id":"x"},null,{"id":"y"}]}
{"id":"tail"}`
	recs, err, _ := runStream(context.Background(), in)
	if err != nil {
		t.Fatalf("StreamRecords: %v", err)
	}
	if got := strings.Join(ids(recs), ","); got != "x,y,tail" {
		t.Fatalf("ids=%s want x,y,tail", got)
	}
	if recs[2].Line != 3 {
		t.Fatalf("tail Line=%d want 3", recs[2].Line)
	}
}
