// Package observ provides structured JSON-line logging and Prometheus
// metrics for the trading loop. One line per event, machine-greppable,
// so a cycle can be audited after the fact without replaying traffic.
package observ

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

// SetOutput redirects log lines, used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func emit(level, event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["level"] = level
	kv["event"] = event
	b, _ := json.Marshal(kv)
	mu.Lock()
	fmt.Fprintln(out, string(b))
	mu.Unlock()
}

func Log(event string, kv map[string]any) {
	emit("info", event, kv)
}

func Warn(event string, kv map[string]any) {
	emit("warn", event, kv)
}

// Error logs at error level. The err value is flattened into the map so
// callers don't need to stringify it themselves.
func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	if err != nil {
		kv["error"] = err.Error()
	}
	emit("error", event, kv)
}
