// Package notice is the user-visible notification boundary. Everything
// surfaced here is informational; the engine loops never stop over a notice.
package notice

import (
	"sync"

	"boorusync/internal/logging"
)

// Notifier receives user-visible messages.
type Notifier interface {
	Notice(msg string)
	Error(msg string)
}

// LogNotifier renders notices as log lines.
type LogNotifier struct{}

func (LogNotifier) Notice(msg string) { logging.Info("notice", map[string]any{"text": msg}) }
func (LogNotifier) Error(msg string)  { logging.Error("notice", map[string]any{"text": msg}) }

// Recorder captures notices for inspection in tests.
type Recorder struct {
	mu      sync.Mutex
	Notices []string
	Errors  []string
}

func (r *Recorder) Notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notices = append(r.Notices, msg)
}

func (r *Recorder) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, msg)
}

func (r *Recorder) All() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Notices...), append([]string(nil), r.Errors...)
}
