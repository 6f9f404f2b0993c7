package launcher

import (
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Child is the handle of a running application runtime. A background
// goroutine reaps it as soon as it exits, so Done is the only wait needed.
type Child struct {
	cmd         *exec.Cmd
	pid         int
	port        int
	killTimeout time.Duration

	done    chan struct{}
	waitErr error

	terminateOnce sync.Once
}

func start(cmd *exec.Cmd, port int, killTimeout time.Duration) (*Child, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := &Child{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		port:        port,
		killTimeout: killTimeout,
		done:        make(chan struct{}),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

func (c *Child) Pid() int  { return c.pid }
func (c *Child) Port() int { return c.port }

// Done is closed once the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Err returns the wait result. It is only meaningful after Done is closed.
func (c *Child) Err() error {
	select {
	case <-c.done:
		return c.waitErr
	default:
		return nil
	}
}

// Signal delivers sig to the child's whole process group.
func (c *Child) Signal(sig unix.Signal) error {
	return unix.Kill(-c.pid, sig)
}

// Terminate sends SIGINT to the process group and waits for the child to be
// reaped. Signalling errors are ignored: the group may already be gone.
// Only the first call does anything.
func (c *Child) Terminate() {
	c.terminateOnce.Do(func() {
		_ = c.Signal(unix.SIGINT)
		if c.killTimeout <= 0 {
			<-c.done
			return
		}
		timer := time.NewTimer(c.killTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-timer.C:
			slog.Warn("Child ignored SIGINT, killing process group", "pid", c.pid, "grace", c.killTimeout)
			_ = c.Signal(unix.SIGKILL)
			<-c.done
		}
	})
}
