package output

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"meteor-loader/internal/event"
)

// LockedWriter serializes writes to w. The control protocol and forwarded
// application output share stdout through one of these so a protocol
// message is never split by an application line.
type LockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLockedWriter(w io.Writer) *LockedWriter {
	return &LockedWriter{w: w}
}

func (l *LockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// lokiQueueSize caps the lines waiting for Loki. Lines beyond it are
// dropped rather than holding up the application's output.
const lokiQueueSize = 256

// Forwarder copies one output stream of the application line by line to
// Dest and records every line to the optional file and Loki sinks.
type Forwarder struct {
	Stream string
	Dest   io.Writer
	File   *FileWriter
	Loki   *LokiClient

	pid   atomic.Int64
	queue chan event.OutputLine
	done  chan struct{}
}

func NewForwarder(stream string, dest io.Writer, file *FileWriter, loki *LokiClient) *Forwarder {
	return &Forwarder{
		Stream: stream,
		Dest:   dest,
		File:   file,
		Loki:   loki,
		done:   make(chan struct{}),
	}
}

// SetPID sets the pid recorded with each line. Lines read before it is set
// carry pid 0.
func (f *Forwarder) SetPID(pid int) {
	f.pid.Store(int64(pid))
}

// Pipe returns the write end to give the application. Forwarding runs until
// every holder of the write end has closed it; the caller must close its own
// copy once the application has started.
func (f *Forwarder) Pipe() (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go f.run(r)
	return w, nil
}

// Done is closed when the stream has ended and queued Loki pushes finished.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

func (f *Forwarder) run(r io.ReadCloser) {
	defer close(f.done)
	if f.Loki != nil {
		f.queue = make(chan event.OutputLine, lokiQueueSize)
		pushed := make(chan struct{})
		go f.pushLoki(pushed)
		defer func() {
			close(f.queue)
			<-pushed
		}()
	}
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			f.forward(line)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("Output stream closed", "stream", f.Stream, "error", err)
			}
			return
		}
	}
}

func (f *Forwarder) forward(line string) {
	if f.Dest != nil {
		out := line
		if out[len(out)-1] != '\n' {
			out += "\n"
		}
		if _, err := io.WriteString(f.Dest, out); err != nil {
			slog.Debug("Output passthrough failed", "stream", f.Stream, "error", err)
		}
	}

	ev := event.NewOutputLine(int(f.pid.Load()), f.Stream, line)
	IncrementOutputLines(f.Stream)

	if err := f.File.Write(ev.String()); err != nil {
		slog.Warn("File write failed", "error", err)
	}

	if f.queue != nil {
		select {
		case f.queue <- ev:
		default:
			IncrementLokiDropped(f.Stream)
		}
	}
}

// pushLoki sends queued lines one request at a time until the queue closes.
func (f *Forwarder) pushLoki(pushed chan<- struct{}) {
	defer close(pushed)
	for ev := range f.queue {
		if err := f.Loki.Push(ev); err != nil {
			slog.Warn("Loki push failed", "stream", f.Stream, "error", err)
		}
	}
}
