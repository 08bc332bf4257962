package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Hanging-process thresholds: sustained CPU above the threshold for longer
// than the age floor marks a child as hanging.
const (
	monitorInterval  = 5 * time.Second
	hangingCPULimit  = 90.0
	hangingAgeFloor  = 300 * time.Second
	killGracePeriod  = 5 * time.Second
	clockTicksPerSec = 100
)

// HangingProcess describes one child the reaper would terminate.
type HangingProcess struct {
	PID            int     `json:"pid"`
	CPUPercent     float64 `json:"cpu_percent"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// procSample tracks one registered child between monitor ticks.
type procSample struct {
	registeredAt time.Time
	lastTicks    uint64
	lastSampleAt time.Time
	cpuPercent   float64
}

// reaper watches registered child processes and terminates the ones that
// spin without progress.
type reaper struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[int]*procSample
}

func newReaper(logger *slog.Logger) *reaper {
	return &reaper{
		logger: logger,
		procs:  map[int]*procSample{},
	}
}

// RegisterProcess adds a child PID to the reaper's watch set.
func (s *Supervisor) RegisterProcess(pid int) {
	s.reaper.mu.Lock()
	defer s.reaper.mu.Unlock()
	s.reaper.procs[pid] = &procSample{registeredAt: time.Now()}
}

// UnregisterProcess removes a PID, normally on clean child exit.
func (s *Supervisor) UnregisterProcess(pid int) {
	s.reaper.mu.Lock()
	defer s.reaper.mu.Unlock()
	delete(s.reaper.procs, pid)
}

// StartMonitor runs the hanging-process monitor until ctx is cancelled.
// One monitor runs for the lifetime of an orchestration.
func (s *Supervisor) StartMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, hp := range s.DetectHangingProcesses() {
					s.logger.Warn("Hanging process detected",
						"pid", hp.PID,
						"cpu_percent", hp.CPUPercent,
						"elapsed_seconds", hp.ElapsedSeconds)
					if err := s.KillHangingProcess(hp.PID, false); err != nil {
						s.logger.Error("Failed to kill hanging process",
							"pid", hp.PID, "error", err)
					}
				}
				s.CleanupZombieProcesses()
			}
		}
	}()
}

// DetectHangingProcesses samples CPU usage of every registered child and
// returns the ones over the CPU threshold and age floor.
func (s *Supervisor) DetectHangingProcesses() []HangingProcess {
	r := s.reaper
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var hanging []HangingProcess
	for pid, sample := range r.procs {
		ticks, ok := readCPUTicks(pid)
		if !ok {
			delete(r.procs, pid) // process is gone
			continue
		}

		if !sample.lastSampleAt.IsZero() {
			elapsed := now.Sub(sample.lastSampleAt).Seconds()
			if elapsed > 0 {
				deltaSec := float64(ticks-sample.lastTicks) / clockTicksPerSec
				sample.cpuPercent = deltaSec / elapsed * 100
			}
		}
		sample.lastTicks = ticks
		sample.lastSampleAt = now

		age := now.Sub(sample.registeredAt)
		if sample.cpuPercent > hangingCPULimit && age > hangingAgeFloor {
			hanging = append(hanging, HangingProcess{
				PID:            pid,
				CPUPercent:     sample.cpuPercent,
				ElapsedSeconds: age.Seconds(),
			})
		}
	}
	return hanging
}

// KillHangingProcess terminates a child, soft first. With force=false a
// SIGTERM is sent and SIGKILL follows only if the process survives the
// grace period; force=true kills immediately.
func (s *Supervisor) KillHangingProcess(pid int, force bool) error {
	if force {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill pid %d: %w", pid, err)
		}
		hangingKills.Inc()
		s.UnregisterProcess(pid)
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			hangingKills.Inc()
			s.UnregisterProcess(pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d after grace period: %w", pid, err)
	}
	hangingKills.Inc()
	s.UnregisterProcess(pid)
	return nil
}

// CleanupZombieProcesses reaps exited children that were never waited on.
func (s *Supervisor) CleanupZombieProcesses() int {
	r := s.reaper
	r.mu.Lock()
	pids := make([]int, 0, len(r.procs))
	for pid := range r.procs {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	reaped := 0
	for _, pid := range pids {
		if readProcState(pid) != "Z" {
			continue
		}
		var status syscall.WaitStatus
		if _, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil); err == nil {
			s.logger.Info("Reaped zombie process", "pid", pid)
			s.UnregisterProcess(pid)
			reaped++
		}
	}
	return reaped
}

// readCPUTicks returns utime+stime from /proc/<pid>/stat.
func readCPUTicks(pid int) (uint64, bool) {
	fields, ok := readStatFields(pid)
	if !ok || len(fields) < 15 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[13], 10, 64)
	stime, err2 := strconv.ParseUint(fields[14], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

func readProcState(pid int) string {
	fields, ok := readStatFields(pid)
	if !ok || len(fields) < 3 {
		return ""
	}
	return fields[2]
}

// readStatFields splits /proc/<pid>/stat handling the parenthesized comm
// field, which may itself contain spaces.
func readStatFields(pid int) ([]string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, false
	}
	text := string(data)
	close := strings.LastIndexByte(text, ')')
	if close < 0 {
		return nil, false
	}
	open := strings.IndexByte(text, '(')
	if open < 0 || open > close {
		return nil, false
	}

	fields := []string{strings.TrimSpace(text[:open]), text[open+1 : close]}
	fields = append(fields, strings.Fields(text[close+1:])...)
	return fields, true
}
