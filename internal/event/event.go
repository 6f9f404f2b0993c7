package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// OutputLine is one line written by the supervised application.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Stream    string    `json:"stream"`
	Data      string    `json:"data"`
}

func NewOutputLine(pid int, stream, data string) OutputLine {
	return OutputLine{
		Timestamp: time.Now(),
		PID:       pid,
		Stream:    stream,
		Data:      strings.TrimRight(data, "\n\r"),
	}
}

func (e OutputLine) String() string {
	m := map[string]any{
		"timestamp": e.Timestamp.UnixNano(),
		"pid":       e.PID,
		"stream":    e.Stream,
		"data":      e.Data,
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// Labels are the stream labels used when shipping the line to Loki.
func (e OutputLine) Labels(app, instance string) map[string]string {
	labels := map[string]string{
		"app":    app,
		"pid":    strconv.Itoa(e.PID),
		"stream": e.Stream,
	}
	if instance != "" {
		labels["instance"] = instance
	}
	return labels
}
