// Package logging emits one JSON line per engine event. Events are named in
// snake_case by the emitting component ("storage_batch_error",
// "reconcile_error"); details ride in the fields map.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stdout
)

// SetOutput redirects log lines, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

type entry struct {
	Level  string         `json:"level"`
	Time   string         `json:"time"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

func Log(level, event string, fields map[string]any) {
	e := entry{Level: level, Time: time.Now().UTC().Format(time.RFC3339Nano), Event: event, Fields: fields}
	b, _ := json.Marshal(e)
	mu.Lock()
	fmt.Fprintln(out, string(b))
	mu.Unlock()
}

func Info(event string, fields map[string]any)  { Log("info", event, fields) }
func Error(event string, fields map[string]any) { Log("error", event, fields) }
