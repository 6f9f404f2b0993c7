//go:build linux && cgo

package launcher

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
)

// The title is set in a child because it clobbers os.Args and the
// environment of the process that sets it.
func TestSetTitleRewritesCmdline(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"default", "", progName + " (123456)"},
		{"from options", "Passenger AppPreloader: /srv/app", "Passenger AppPreloader: /srv/app (123456)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command(os.Args[0])
			cmd.Env = append(os.Environ(), helperEnv+"=title", titleEnv+"="+tt.title)
			out, err := cmd.Output()
			if err != nil {
				t.Fatalf("helper: %v", err)
			}
			lines := strings.Split(strings.TrimSpace(string(out)), "\n")
			if len(lines) != 2 {
				t.Fatalf("helper output = %q", out)
			}
			cmdline, err := strconv.Unquote(lines[0])
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.TrimRight(cmdline, "\x00"); !strings.HasPrefix(got, tt.want) {
				t.Fatalf("cmdline = %q, want prefix %q", got, tt.want)
			}
			comm, err := strconv.Unquote(lines[1])
			if err != nil {
				t.Fatal(err)
			}
			if comm = strings.TrimSpace(comm); comm == "" || !strings.HasPrefix(tt.want, comm) {
				t.Fatalf("comm = %q, want a prefix of %q", comm, tt.want)
			}
		})
	}
}
