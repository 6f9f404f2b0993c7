// Package pidmgr keeps track of the processes the loader supervises.
// It records each process's threads from /proc and drops entries once the
// process has terminated.
package pidmgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// TrackedProcess holds information about a registered process.
type TrackedProcess struct {
	PID          int
	Port         int
	ThreadIDs    []int
	RegisteredAt time.Time
}

// PIDRegistry manages the set of tracked processes.
type PIDRegistry struct {
	mu            sync.RWMutex
	trackedPids   map[int]*TrackedProcess
	checkInterval time.Duration
	procRoot      string

	// OnExit, if set, is called without the lock held for every process
	// the liveness monitor finds gone.
	OnExit func(TrackedProcess)
	// OnRefresh, if set, receives the total thread count after each check.
	OnRefresh func(threads int)
}

// New creates a PIDRegistry. checkInterval controls how often process
// liveness is checked (default 5s).
func New(checkInterval time.Duration) *PIDRegistry {
	if checkInterval == 0 {
		checkInterval = 5 * time.Second
	}
	return &PIDRegistry{
		trackedPids:   make(map[int]*TrackedProcess),
		checkInterval: checkInterval,
		procRoot:      "/proc",
	}
}

// RegisterPID starts tracking pid, which serves on port. Returns the number
// of threads found. Systems without /proc register the process with no
// thread information.
func (r *PIDRegistry) RegisterPID(pid, port int) (int, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d", pid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.trackedPids[pid]; exists {
		return 0, fmt.Errorf("PID %d is already registered", pid)
	}

	tids, err := r.readThreads(pid)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read threads for PID %d: %w", pid, err)
	}

	r.trackedPids[pid] = &TrackedProcess{
		PID:          pid,
		Port:         port,
		ThreadIDs:    tids,
		RegisteredAt: time.Now(),
	}

	slog.Debug("Registered PID for tracking", "pid", pid, "port", port, "threads", len(tids))
	return len(tids), nil
}

// UnregisterPID stops tracking pid.
func (r *PIDRegistry) UnregisterPID(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.trackedPids[pid]; !exists {
		return fmt.Errorf("PID %d is not registered", pid)
	}
	delete(r.trackedPids, pid)
	slog.Debug("Unregistered PID from tracking", "pid", pid)
	return nil
}

// List returns a copy of all tracked processes ordered by PID.
func (r *PIDRegistry) List() []TrackedProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]TrackedProcess, 0, len(r.trackedPids))
	for _, proc := range r.trackedPids {
		result = append(result, copyProcess(proc))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PID < result[j].PID })
	return result
}

// Get returns the tracked process for pid.
func (r *PIDRegistry) Get(pid int) (TrackedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.trackedPids[pid]
	if !ok {
		return TrackedProcess{}, false
	}
	return copyProcess(proc), true
}

// StartLivenessMonitor periodically drops processes that have terminated and
// refreshes thread lists of the rest. It stops when ctx is cancelled.
func (r *PIDRegistry) StartLivenessMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.checkLiveness()
			}
		}
	}()
}

func (r *PIDRegistry) checkLiveness() {
	var gone []TrackedProcess
	threads := 0

	r.mu.Lock()
	for pid, proc := range r.trackedPids {
		if !r.processExists(pid) {
			gone = append(gone, copyProcess(proc))
			delete(r.trackedPids, pid)
			slog.Info("Auto-removed terminated process", "pid", pid)
			continue
		}
		if added, err := r.refreshThreads(proc); err == nil && added > 0 {
			slog.Debug("New threads observed", "pid", pid, "added", added, "threads", len(proc.ThreadIDs))
		}
		threads += len(proc.ThreadIDs)
	}
	r.mu.Unlock()

	for _, proc := range gone {
		if r.OnExit != nil {
			r.OnExit(proc)
		}
	}
	if r.OnRefresh != nil {
		r.OnRefresh(threads)
	}
}

// refreshThreads re-reads the thread list of proc and returns how many
// threads appeared since the last read. The caller holds r.mu.
func (r *PIDRegistry) refreshThreads(proc *TrackedProcess) (int, error) {
	currentTids, err := r.readThreads(proc.PID)
	if err != nil {
		return 0, err
	}

	existing := make(map[int]bool, len(proc.ThreadIDs))
	for _, tid := range proc.ThreadIDs {
		existing[tid] = true
	}
	newCount := 0
	for _, tid := range currentTids {
		if !existing[tid] {
			newCount++
		}
	}

	proc.ThreadIDs = currentTids
	return newCount, nil
}

// processExists assumes a process is alive when there is no /proc to ask.
func (r *PIDRegistry) processExists(pid int) bool {
	if _, err := os.Stat(r.procRoot); err != nil {
		return true
	}
	_, err := os.Stat(fmt.Sprintf("%s/%d", r.procRoot, pid))
	return err == nil
}

func (r *PIDRegistry) readThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("%s/%d/task", r.procRoot, pid))
	if err != nil {
		return nil, err
	}

	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

func copyProcess(p *TrackedProcess) TrackedProcess {
	c := *p
	c.ThreadIDs = append([]int(nil), p.ThreadIDs...)
	return c
}
