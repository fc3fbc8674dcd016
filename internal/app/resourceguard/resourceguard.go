// Package resourceguard prevents OOM and runaway jobs (spec §4.H):
// system-level preflight checks and cooperative RSS sampling for
// in-process executions. It applies no OS-level limits to subprocess
// executions.
// The sliding-window sample history is grounded on the teacher's restart
// storm detector (internal/devops/supervisor/restart_policy.go), reused
// here to bound an RSS sample history instead of a restart-timestamp
// history.
package resourceguard

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dsa110/ingestcore/internal/logging"
)

// SystemStats is the subset of system memory/disk state Precheck needs.
// Production callers fill this from /proc/meminfo and statfs; tests
// inject a fixed value.
type SystemStats struct {
	FreeRAMGB  float64
	FreeDiskGB float64
}

// StatsSource yields current system resource availability.
type StatsSource func() (SystemStats, error)

// Guard enforces per-process resource limits and answers feasibility
// checks before work is dispatched.
type Guard struct {
	statsSource StatsSource
	logger      logging.Logger

	mu      sync.Mutex
	samples map[string][]rssSample
}

type rssSample struct {
	at     time.Time
	rssMB  float64
}

// Option customizes a Guard.
type Option func(*Guard)

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(g *Guard) { g.logger = logging.OrNop(logger) }
}

// WithStatsSource overrides how system RAM/disk are read (for tests).
func WithStatsSource(src StatsSource) Option {
	return func(g *Guard) { g.statsSource = src }
}

// New constructs a Guard reading system stats from /proc by default.
func New(opts ...Option) *Guard {
	g := &Guard{
		statsSource: readProcMeminfo,
		logger:      logging.Nop,
		samples:     make(map[string][]rssSample),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Precheck reports whether the system currently has enough free RAM and
// disk for a job requiring the given amounts (spec §4.H).
func (g *Guard) Precheck(requiredRAMGB, requiredDiskGB float64) (ok bool, reason string) {
	stats, err := g.statsSource()
	if err != nil {
		return false, fmt.Sprintf("could not read system stats: %v", err)
	}
	if stats.FreeRAMGB < requiredRAMGB {
		return false, fmt.Sprintf("insufficient free RAM: have %.2fGB, need %.2fGB", stats.FreeRAMGB, requiredRAMGB)
	}
	if stats.FreeDiskGB < requiredDiskGB {
		return false, fmt.Sprintf("insufficient free disk: have %.2fGB, need %.2fGB", stats.FreeDiskGB, requiredDiskGB)
	}
	return true, ""
}

// EstimateRAMForGroup is the deterministic sizing formula for a
// conversion/calibration job covering n_antennas x n_channels x n_times
// visibility samples. Each visibility is a complex64 (8 bytes) per
// polarization (4), plus a fixed working-set multiplier for the kernel's
// intermediate buffers (spec §4.H).
func EstimateRAMForGroup(nAntennas, nChannels, nTimes int) float64 {
	const bytesPerVis = 8.0 * 4.0 // complex64 x 4 polarizations
	const workingSetMultiplier = 2.5
	baselines := float64(nAntennas*(nAntennas-1)) / 2.0
	bytes := baselines * float64(nChannels) * float64(nTimes) * bytesPerVis * workingSetMultiplier
	return bytes / (1024 * 1024 * 1024)
}

// RecordSample appends an RSS observation for key (typically a task ID)
// and reports whether the most recent sample exceeds maxRAMGB — the
// in-process cooperative-cancellation signal (spec §4.H policy). Samples
// older than 2 minutes are pruned to bound memory.
func (g *Guard) RecordSample(key string, rssMB float64, maxRAMGB float64) (exceeded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.pruneLocked(key, now)
	g.samples[key] = append(g.samples[key], rssSample{at: now, rssMB: rssMB})

	return rssMB/1024.0 > maxRAMGB
}

func (g *Guard) pruneLocked(key string, now time.Time) {
	cutoff := now.Add(-2 * time.Minute)
	entries := g.samples[key]
	pruned := entries[:0]
	for _, s := range entries {
		if !s.at.Before(cutoff) {
			pruned = append(pruned, s)
		}
	}
	g.samples[key] = pruned
}

// Forget drops the sample history for key once its execution finishes.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.samples, key)
}

// MonitorInProcess polls currentRSSMB every second and calls cancel if
// it exceeds maxRAMGB, implementing the in-process enforcement
// policy of spec §4.H (cooperative cancellation rather than a hard OS
// limit). It returns once ctx is done.
func (g *Guard) MonitorInProcess(ctx context.Context, key string, maxRAMGB float64, currentRSSMB func() float64, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer g.Forget(key)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss := currentRSSMB()
			if g.RecordSample(key, rss, maxRAMGB) {
				g.logger.Warn("resourceguard: %s exceeded %.2fGB RSS, cancelling", key, maxRAMGB)
				cancel()
				return
			}
		}
	}
}

// CurrentProcessRSSMB reads this process's resident set size from
// /proc/self/status. No pack repo imports a process-metrics library
// (e.g. gopsutil); this minimal reader is authored directly against the
// stable /proc ABI rather than adding an unjustified dependency.
func CurrentProcessRSSMB() float64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0
		}
		return kb / 1024.0
	}
	return 0
}

func readProcMeminfo() (SystemStats, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return SystemStats{}, err
	}
	defer f.Close()

	var stats SystemStats
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemAvailable":
			stats.FreeRAMGB = kb / (1024 * 1024)
		}
	}

	var fsStat syscall.Statfs_t
	if err := syscall.Statfs("/", &fsStat); err == nil {
		stats.FreeDiskGB = float64(fsStat.Bavail) * float64(fsStat.Bsize) / (1024 * 1024 * 1024)
	}
	return stats, nil
}
