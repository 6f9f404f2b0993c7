// Package supervisor waits for the application to accept connections,
// reports it to the parent and tears it down when the parent goes away.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"meteor-loader/internal/output"
	"meteor-loader/internal/probe"
	"meteor-loader/internal/protocol"
)

// DefaultPollInterval is the pause between readiness probes.
const DefaultPollInterval = 10 * time.Millisecond

var (
	ErrChildExited  = errors.New("application exited before accepting connections")
	ErrReadyTimeout = errors.New("application did not accept connections in time")
)

// Process is the supervised application.
type Process interface {
	Pid() int
	Port() int
	Done() <-chan struct{}
	// Terminate signals the process group and waits for the process to be
	// reaped. It must not fail and must be safe to call more than once.
	Terminate()
}

type Supervisor struct {
	Instance     string
	PollInterval time.Duration
	// ReadyTimeout bounds WaitReady; zero waits as long as it takes.
	ReadyTimeout time.Duration

	proc   Process
	prober probe.Prober
	in     io.Reader
	out    io.Writer

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	readyAt   time.Time
}

// New supervises proc. in is the parent's control stream (whatever remains
// after the handshake) and out is where the readiness notification goes.
func New(proc Process, prober probe.Prober, in io.Reader, out io.Writer) *Supervisor {
	s := &Supervisor{
		PollInterval: DefaultPollInterval,
		proc:         proc,
		prober:       prober,
		in:           in,
		out:          out,
		state:        StateStarting,
		startedAt:    time.Now(),
	}
	output.SetState(int(StateStarting))
	return s
}

// Run drives the supervisor to completion. The application is terminated
// on every return path. A nil error means the parent disconnected (or the
// loader was asked to stop) after the application became ready.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.teardown()

	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	if err := protocol.WriteReady(s.out, s.proc.Port()); err != nil {
		return fmt.Errorf("write ready notification: %w", err)
	}
	s.setState(StateReady)
	slog.Info("Application ready", "pid", s.proc.Pid(), "port", s.proc.Port(),
		"startup", s.readyAt.Sub(s.startedAt).String())

	return s.waitForDisconnect(ctx)
}

// WaitReady probes the application's port until something accepts
// connections on it.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	port := s.proc.Port()
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var deadline <-chan time.Time
	if s.ReadyTimeout > 0 {
		timer := time.NewTimer(s.ReadyTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		listening, err := s.prober.Listening(port)
		if err != nil {
			return fmt.Errorf("probe port %d: %w", port, err)
		}
		output.ObserveProbe("readiness", listening)
		if listening {
			output.ObserveReady(time.Since(s.startedAt).Seconds())
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.proc.Done():
			return fmt.Errorf("%w (pid %d)", ErrChildExited, s.proc.Pid())
		case <-deadline:
			return fmt.Errorf("%w (waited %s on port %d)", ErrReadyTimeout, s.ReadyTimeout, port)
		case <-ticker.C:
		}
	}
}

// waitForDisconnect discards control input until EOF. The read has no
// timeout; only EOF or ctx ends it.
func (s *Supervisor) waitForDisconnect(ctx context.Context) error {
	eof := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, s.in)
		eof <- err
	}()

	exited := s.proc.Done()
	for {
		select {
		case err := <-eof:
			if err != nil {
				return fmt.Errorf("read control stream: %w", err)
			}
			slog.Info("Parent disconnected")
			return nil
		case <-ctx.Done():
			slog.Info("Shutdown requested")
			return nil
		case <-exited:
			// Restarting is the parent's job; keep serving the protocol.
			slog.Warn("Application exited while ready", "pid", s.proc.Pid())
			exited = nil
		}
	}
}

func (s *Supervisor) teardown() {
	s.setState(StateTerminating)
	slog.Info("Terminating application", "pid", s.proc.Pid())
	s.proc.Terminate()
	s.setState(StateDone)
	slog.Debug("Application reaped", "pid", s.proc.Pid())
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	if state == StateReady {
		s.readyAt = time.Now()
	}
	s.mu.Unlock()
	output.SetState(int(state))
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Instance  string     `json:"instance"`
	State     string     `json:"state"`
	PID       int        `json:"pid"`
	Port      int        `json:"port"`
	Alive     bool       `json:"alive"`
	StartedAt time.Time  `json:"started_at"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Instance:  s.Instance,
		State:     s.state.String(),
		PID:       s.proc.Pid(),
		Port:      s.proc.Port(),
		StartedAt: s.startedAt,
	}
	select {
	case <-s.proc.Done():
	default:
		st.Alive = true
	}
	if !s.readyAt.IsZero() {
		readyAt := s.readyAt
		st.ReadyAt = &readyAt
	}
	return st
}
