package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"meteor-loader/internal/probe"
)

const helperEnv = "METEOR_LOADER_TEST_HELPER"

// TestMain turns the test binary into either the loader or the application
// it launches. The application is recognised by its -p argument.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		for i, arg := range os.Args {
			if arg == "-p" && i+1 < len(os.Args) {
				serveApp(os.Args[i+1])
				os.Exit(0)
			}
		}
		os.Exit(run(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func serveApp(port string) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	ln, err := net.Listen("tcp4", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(3)
	}
	fmt.Println("=> App running at: http://localhost:" + port + "/")
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	<-sig
}

type loaderProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr strings.Builder
}

func startLoader(t *testing.T, args ...string) *loaderProc {
	t.Helper()
	args = append([]string{"-command", os.Args[0], "-log-level", "error"}, args...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), helperEnv+"=1")

	lp := &loaderProc{cmd: cmd}
	cmd.Stderr = &lp.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	lp.stdin = stdin
	lp.stdout = bufio.NewReader(stdout)
	return lp
}

// readProtocolLine skips application output until the next "!> " line.
func (lp *loaderProc) readProtocolLine(t *testing.T) string {
	t.Helper()
	for {
		line, err := lp.stdout.ReadString('\n')
		if err != nil {
			t.Fatalf("read loader stdout: %v", err)
		}
		if strings.HasPrefix(line, "!> ") {
			return line
		}
	}
}

func (lp *loaderProc) wait(t *testing.T) int {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- lp.cmd.Wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		return 0
	case <-time.After(15 * time.Second):
		t.Fatal("loader did not exit")
		return -1
	}
}

var socketLine = regexp.MustCompile(`^!> socket: main;tcp://127\.0\.0\.1:(\d+);http_session;0\n$`)

func TestLoaderEndToEnd(t *testing.T) {
	lp := startLoader(t)

	if got := lp.readProtocolLine(t); got != "!> I have control 1.0\n" {
		t.Fatalf("greeting = %q", got)
	}
	io.WriteString(lp.stdin, "You have control 1.0\nenvironment: production\nprocess_title: test-loader\n\n")

	if got := lp.readProtocolLine(t); got != "!> Ready\n" {
		t.Fatalf("ready = %q", got)
	}
	m := socketLine.FindStringSubmatch(lp.readProtocolLine(t))
	if m == nil {
		t.Fatal("socket line malformed")
	}
	port, _ := strconv.Atoi(m[1])
	if got := lp.readProtocolLine(t); got != "!> \n" {
		t.Fatalf("terminator = %q", got)
	}

	p := probe.New(probe.DefaultTimeout)
	if ok, err := p.Listening(port); err != nil || !ok {
		t.Fatalf("reported port %d not listening: %v", port, err)
	}

	lp.stdin.Close()
	if code := lp.wait(t); code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, lp.stderr.String())
	}
	if ok, _ := p.Listening(port); ok {
		t.Fatalf("application still listening on %d after shutdown", port)
	}
}

func TestLoaderRejectsBadGreeting(t *testing.T) {
	lp := startLoader(t)
	lp.readProtocolLine(t)
	io.WriteString(lp.stdin, "You have control 0.9\n")

	if code := lp.wait(t); code == 0 {
		t.Fatal("expected non-zero exit")
	}
	if !strings.Contains(lp.stderr.String(), "invalid initialization header") {
		t.Fatalf("stderr = %q", lp.stderr.String())
	}
}

func TestLoaderTruncatedOptions(t *testing.T) {
	lp := startLoader(t)
	lp.readProtocolLine(t)
	io.WriteString(lp.stdin, "You have control 1.0\nenvironment: production\n")
	lp.stdin.Close()

	if code := lp.wait(t); code == 0 {
		t.Fatal("expected non-zero exit")
	}
}

func TestLoaderForwardsOutputToFile(t *testing.T) {
	logPath := t.TempDir() + "/child.log"
	lp := startLoader(t, "-file-output", logPath)
	lp.readProtocolLine(t)
	io.WriteString(lp.stdin, "You have control 1.0\n\n")

	if got := lp.readProtocolLine(t); got != "!> Ready\n" {
		t.Fatalf("ready = %q", got)
	}
	lp.readProtocolLine(t)
	lp.readProtocolLine(t)

	lp.stdin.Close()
	if code := lp.wait(t); code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, lp.stderr.String())
	}

	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "App running at") {
		t.Fatalf("child output not recorded: %q", b)
	}
}

func TestLoaderBadFlags(t *testing.T) {
	if code := run([]string{"-no-such-flag"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != 0 || exitCode(errors.New("x")) != 1 {
		t.Fatal("unexpected exit code mapping")
	}
}
