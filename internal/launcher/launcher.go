// Package launcher picks a free port and starts the application runtime on it
// in a process group of its own.
package launcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"meteor-loader/internal/config"
	"meteor-loader/internal/output"
	"meteor-loader/internal/probe"
)

const (
	MinPort     = 1024
	PortSpan    = 9999
	MaxAttempts = 200
	// PortsPerApp is how many consecutive ports must be free. Meteor also
	// claims the two ports above the one it is given.
	PortsPerApp = 3
)

var ErrNoFreePort = errors.New("cannot find a suitable port to start the application on")

// Spec describes how to invoke the application runtime.
type Spec struct {
	Command        []string
	ProductionFlag string
	Stdout         io.Writer
	Stderr         io.Writer
	// KillTimeout escalates Terminate to SIGKILL; zero waits indefinitely.
	KillTimeout time.Duration
}

// SpecFromConfig builds a Spec from loader settings.
func SpecFromConfig(cfg config.Config) Spec {
	return Spec{
		Command:        cfg.Command,
		ProductionFlag: cfg.ProductionFlag,
		KillTimeout:    cfg.KillTimeout,
	}
}

type Launcher struct {
	Prober      probe.Prober
	Rand        *rand.Rand
	MaxAttempts int
}

func New(p probe.Prober) *Launcher {
	return &Launcher{
		Prober:      p,
		Rand:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid()))),
		MaxAttempts: MaxAttempts,
	}
}

// FindPort draws random candidates in [MinPort, MinPort+PortSpan) until one
// is found whose whole block of PortsPerApp ports is unoccupied.
func (l *Launcher) FindPort() (int, error) {
	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = MaxAttempts
	}
	for try := 0; try < attempts; try++ {
		port := MinPort + l.Rand.IntN(PortSpan)
		free, err := l.blockFree(port)
		if err != nil {
			return 0, err
		}
		if free {
			slog.Debug("Selected port", "port", port, "attempts", try+1)
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

func (l *Launcher) blockFree(port int) (bool, error) {
	for i := 0; i < PortsPerApp; i++ {
		busy, err := l.Prober.Listening(port + i)
		if err != nil {
			return false, fmt.Errorf("probe port %d: %w", port+i, err)
		}
		output.ObserveProbe("port_search", busy)
		if busy {
			return false, nil
		}
	}
	return true, nil
}

// Args returns the full argv for the runtime listening on port.
func Args(spec Spec, opts config.Options, port int) []string {
	args := make([]string, 0, len(spec.Command)+3)
	args = append(args, spec.Command...)
	args = append(args, "-p", strconv.Itoa(port))
	if opts.Production() && spec.ProductionFlag != "" {
		args = append(args, spec.ProductionFlag)
	}
	return args
}

// Launch finds a port and starts the runtime on it. The child gets its own
// process group so signalling the group never reaches the loader. The child
// inherits the loader's environment, so Launch must precede SetTitle.
func (l *Launcher) Launch(spec Spec, opts config.Options) (*Child, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	port, err := l.FindPort()
	if err != nil {
		return nil, err
	}

	argv := Args(spec, opts, port)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	child, err := start(cmd, port, spec.KillTimeout)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	slog.Info("Child started", "pid", child.Pid(), "port", port, "argv", argv)
	return child, nil
}

// progName is taken before any title change reuses the memory behind os.Args.
var progName = strings.Clone(filepath.Base(os.Args[0]))

// ProcessTitle is the loader's visible name once a child is running.
func ProcessTitle(opts config.Options, pid int) string {
	base := opts.ProcessTitle
	if base == "" {
		base = progName
	}
	return fmt.Sprintf("%s (%d)", base, pid)
}

// SetTitle renames the loader after its child as shown by ps. The new title
// overwrites the memory behind os.Args and the initial environment, so
// neither may be read afterwards; call it once, after Launch.
func SetTitle(opts config.Options, pid int) error {
	return setProcessTitle(ProcessTitle(opts, pid))
}
