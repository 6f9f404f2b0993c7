package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"meteor-loader/internal/api"
	"meteor-loader/internal/config"
	"meteor-loader/internal/event"
	"meteor-loader/internal/launcher"
	"meteor-loader/internal/output"
	"meteor-loader/internal/pidmgr"
	"meteor-loader/internal/probe"
	"meteor-loader/internal/protocol"
	"meteor-loader/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "meteor-loader: %v\n", err)
		return 2
	}
	config.InitLogger(cfg.LogLevel)

	instance := uuid.NewString()
	slog.SetDefault(slog.Default().With("instance", instance))

	stdout := output.NewLockedWriter(os.Stdout)
	in := bufio.NewReader(os.Stdin)

	opts, err := protocol.Handshake(in, stdout)
	if err != nil {
		return abort(err)
	}
	slog.Debug("Handshake complete", "options", len(opts.Raw), "environment", opts.Environment)

	metrics, err := output.StartMetricsServer(cfg.MetricsPort)
	if err != nil {
		slog.Error("Failed to start metrics server", "error", err)
	} else if metrics != nil {
		slog.Info("Metrics server started", "addr", metrics.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		slog.Info("Interrupt received")
		cancel()
	}()

	prober := probe.New(cfg.ProbeTimeout)
	spec := launcher.SpecFromConfig(cfg)
	spec.Stdout, spec.Stderr = os.Stdout, os.Stderr

	var forwarders []*output.Forwarder
	var pipes []*os.File
	if cfg.ForwardsOutput() {
		fileOut := output.NewFileWriter(cfg.FileOutput, cfg.MaxRecordsFileOutput)
		defer fileOut.Close()
		var loki *output.LokiClient
		if cfg.LokiEndpoint != "" {
			loki = output.NewLokiClient(cfg.LokiEndpoint, instance)
		}
		forwarders = []*output.Forwarder{
			output.NewForwarder(event.StreamStdout, stdout, fileOut, loki),
			output.NewForwarder(event.StreamStderr, os.Stderr, fileOut, loki),
		}
		for _, f := range forwarders {
			w, err := f.Pipe()
			if err != nil {
				return abort(fmt.Errorf("create output pipe: %w", err))
			}
			pipes = append(pipes, w)
		}
		spec.Stdout, spec.Stderr = pipes[0], pipes[1]
	}

	child, err := launcher.New(prober).Launch(spec, opts)
	// The child holds its own copies of the pipe ends; ours must go so the
	// forwarders see EOF once the application is gone.
	for _, w := range pipes {
		w.Close()
	}
	if err != nil {
		return abort(err)
	}
	for _, f := range forwarders {
		f.SetPID(child.Pid())
	}

	if err := launcher.SetTitle(opts, child.Pid()); err != nil {
		slog.Debug("Process title not fully set", "error", err)
	}

	registry := pidmgr.New(5 * time.Second)
	registry.OnRefresh = output.UpdateChildThreads
	registry.OnExit = func(pidmgr.TrackedProcess) {
		output.UpdateChildThreads(0)
	}
	if threads, err := registry.RegisterPID(child.Pid(), child.Port()); err != nil {
		slog.Warn("Failed to register child with registry", "pid", child.Pid(), "error", err)
	} else {
		output.UpdateChildThreads(threads)
	}
	registry.StartLivenessMonitor(ctx)

	output.SetChildAlive(true)
	go func() {
		<-child.Done()
		output.SetChildAlive(false)
		output.UpdateChildThreads(0)
		slog.Info("Child exited", "pid", child.Pid(), "status", exitStatus(child.Err()))
		// The liveness monitor may have dropped it first.
		if err := registry.UnregisterPID(child.Pid()); err != nil {
			slog.Debug("Child already gone from registry", "pid", child.Pid(), "error", err)
		}
	}()

	sup := supervisor.New(child, prober, in, stdout)
	sup.Instance = instance
	sup.ReadyTimeout = cfg.ReadyTimeout

	var status *api.Server
	if cfg.RESTPort > 0 {
		status = api.New(sup, registry, cfg.RESTPort)
		if err := status.Start(); err != nil {
			slog.Error("Failed to start status API", "error", err)
			status = nil
		}
	}

	runErr := sup.Run(ctx)

	// Output may still be draining from processes that outlived the child.
	for _, f := range forwarders {
		select {
		case <-f.Done():
		case <-time.After(time.Second):
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if status != nil {
		_ = status.Shutdown(shutdownCtx)
	}
	_ = metrics.Shutdown(shutdownCtx)

	if runErr != nil {
		return abort(runErr)
	}
	slog.Info("Shut down cleanly")
	return 0
}

// abort reports a fatal error the way the parent expects: a plain message
// on stderr and a non-zero exit status.
func abort(err error) int {
	slog.Error("Aborting", "error", err)
	fmt.Fprintln(os.Stderr, err)
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// exitStatus is the child's exit code, or -1 if a signal ended it.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
