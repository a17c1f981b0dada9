package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/autosage/autosage/internal/structval"
)

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `"2026-03-14T09:26:53.589Z"`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}

	var back Timestamp
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Time().Equal(ts.Time()) {
		t.Fatalf("round trip mismatch: %v vs %v", back.Time(), ts.Time())
	}
}

func TestToolResultRoundTrip(t *testing.T) {
	res := NewResult("echo_json")
	res.Summary = "Echoed message 2 time(s)."
	res.Stdout = "hello\nhello\n"
	output, err := structval.Decode([]byte(`{"message":"hello","repeat":["hello","hello"]}`))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	res.Output = &output
	res.SetMetric("request_id", structval.String("req-1"))

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ToolResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	again, err := json.Marshal(&back)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(data) != string(again) {
		t.Fatalf("round trip mismatch:\n%s\n%s", data, again)
	}
	if back.Output == nil || back.Output.Field("message").StringValue() != "hello" {
		t.Fatalf("output lost in round trip: %+v", back.Output)
	}
}

func TestErrorResultShape(t *testing.T) {
	res := ErrorResult("does.not.exist", ErrUnknownTool, "no such tool: does.not.exist")
	if res.Status != StatusError {
		t.Fatalf("status = %q", res.Status)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit_code = %d", res.ExitCode)
	}
	if res.ErrorCode() != ErrUnknownTool {
		t.Fatalf("error_code = %q", res.ErrorCode())
	}
	if res.Output != nil {
		t.Fatal("error results carry no output")
	}
}

func TestLimitsMerge(t *testing.T) {
	base := DefaultLimits()
	merged := base.Merge(Limits{TimeoutMS: 500, MaxStdoutBytes: 1024})
	if merged.TimeoutMS != 500 {
		t.Fatalf("timeout = %d", merged.TimeoutMS)
	}
	if merged.MaxStdoutBytes != 1024 {
		t.Fatalf("stdout cap = %d", merged.MaxStdoutBytes)
	}
	if merged.MaxArtifacts != base.MaxArtifacts {
		t.Fatalf("artifact cap should be inherited, got %d", merged.MaxArtifacts)
	}
	if merged.Timeout() != 500*time.Millisecond {
		t.Fatalf("timeout duration = %v", merged.Timeout())
	}
}
