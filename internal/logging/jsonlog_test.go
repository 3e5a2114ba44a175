package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestErrorEmitsEventLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Error("storage_batch_error", map[string]any{"database": "prebooru", "type": "get"})

	var got entry
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("line not JSON: %v (%s)", err, buf.String())
	}
	if got.Level != "error" || got.Event != "storage_batch_error" {
		t.Fatalf("entry = %+v", got)
	}
	if got.Fields["database"] != "prebooru" {
		t.Fatalf("fields = %v", got.Fields)
	}
	if got.Time == "" {
		t.Fatal("missing timestamp")
	}
}
