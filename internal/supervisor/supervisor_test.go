package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meteor-loader/internal/probe"
)

type fakeProcess struct {
	pid, port  int
	done       chan struct{}
	exitOnce   sync.Once
	terminated atomic.Int32
}

func newFakeProcess(port int) *fakeProcess {
	return &fakeProcess{pid: 4242, port: port, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Port() int             { return p.port }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) exit()                 { p.exitOnce.Do(func() { close(p.done) }) }

func (p *fakeProcess) Terminate() {
	p.terminated.Add(1)
	p.exit()
}

// readyAfter reports the port listening from the n-th probe on.
func readyAfter(n int) (probe.Prober, *atomic.Int32) {
	var calls atomic.Int32
	return probe.Func(func(int) (bool, error) {
		return calls.Add(1) >= int32(n), nil
	}), &calls
}

// syncBuffer lets the test read what the supervisor wrote from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunReportsReadyThenTerminatesOnEOF(t *testing.T) {
	proc := newFakeProcess(5123)
	prober, calls := readyAfter(3)
	var out bytes.Buffer
	s := New(proc, prober, strings.NewReader("ignored line\n"), &out)
	s.PollInterval = time.Millisecond

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "!> Ready\n!> socket: main;tcp://127.0.0.1:5123;http_session;0\n!> \n"
	if out.String() != want {
		t.Fatalf("out = %q, want %q", out.String(), want)
	}
	if calls.Load() != 3 {
		t.Fatalf("probed %d times, want 3", calls.Load())
	}
	if proc.terminated.Load() != 1 {
		t.Fatalf("terminated %d times, want 1", proc.terminated.Load())
	}
	if s.State() != StateDone {
		t.Fatalf("state = %s", s.State())
	}
	if st := s.Status(); st.ReadyAt == nil || st.Alive {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunEOFAfterChildAlreadyExited(t *testing.T) {
	proc := newFakeProcess(6000)
	prober, _ := readyAfter(1)
	pr, pw := io.Pipe()
	var out syncBuffer
	s := New(proc, prober, pr, &out)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatal("supervisor never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	proc.exit()
	pw.Close()

	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if proc.terminated.Load() != 1 {
		t.Fatal("teardown must still signal the group")
	}
	if !strings.Contains(out.String(), "127.0.0.1:6000;http_session;0") {
		t.Fatalf("out = %q", out.String())
	}
}

func TestRunChildExitsBeforeReady(t *testing.T) {
	proc := newFakeProcess(7000)
	proc.exit()
	prober, _ := readyAfter(1 << 30)
	var out bytes.Buffer
	s := New(proc, prober, strings.NewReader(""), &out)
	s.PollInterval = time.Millisecond

	err := s.Run(context.Background())
	if !errors.Is(err, ErrChildExited) {
		t.Fatalf("err = %v, want ErrChildExited", err)
	}
	if out.Len() != 0 {
		t.Fatalf("no notification expected, got %q", out.String())
	}
	if proc.terminated.Load() != 1 {
		t.Fatal("teardown skipped")
	}
}

func TestRunReadyTimeout(t *testing.T) {
	proc := newFakeProcess(7001)
	prober, _ := readyAfter(1 << 30)
	s := New(proc, prober, strings.NewReader(""), io.Discard)
	s.PollInterval = time.Millisecond
	s.ReadyTimeout = 30 * time.Millisecond

	if err := s.Run(context.Background()); !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("err = %v, want ErrReadyTimeout", err)
	}
	if proc.terminated.Load() != 1 {
		t.Fatal("teardown skipped")
	}
}

func TestRunProbeError(t *testing.T) {
	proc := newFakeProcess(7002)
	boom := errors.New("emfile")
	s := New(proc, probe.Func(func(int) (bool, error) { return false, boom }), strings.NewReader(""), io.Discard)

	if err := s.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if proc.terminated.Load() != 1 {
		t.Fatal("teardown skipped")
	}
}

func TestRunCancelledWhileReady(t *testing.T) {
	proc := newFakeProcess(7003)
	prober, _ := readyAfter(1)
	pr, pw := io.Pipe()
	defer pw.Close()
	s := New(proc, prober, pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatal("supervisor never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != StateDone {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRunCancelledWhileStarting(t *testing.T) {
	proc := newFakeProcess(7004)
	prober, _ := readyAfter(1 << 30)
	s := New(proc, prober, strings.NewReader(""), io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if proc.terminated.Load() != 1 {
		t.Fatal("teardown skipped")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateStarting:    "starting",
		StateReady:       "ready",
		StateTerminating: "terminating",
		StateDone:        "done",
		State(42):        "unknown",
	} {
		if state.String() != want {
			t.Fatalf("%d.String() = %q", state, state.String())
		}
	}
}
