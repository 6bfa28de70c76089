// Package gpuprobe implements the GPU probe (C2): best-effort free/total
// VRAM reads for GPU 0, plus a background-refreshed system snapshot. Probe
// failures never raise — the guardrail planner is responsible for policy
// when the probe is unavailable.
package gpuprobe

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultProbeTimeout = 2500 * time.Millisecond

// GPUReading is a point-in-time free/total reading for one GPU.
type GPUReading struct {
	Index int64
	Free  int64
	Total int64
}

// SystemSnapshot is the background-maintained record exposed under a lock.
type SystemSnapshot struct {
	Timestamp  time.Time
	CPUCount   int
	RAMFreeB   uint64
	RAMTotalB  uint64
	GPUs       []GPUReading
}

// Probe owns the NVML-then-nvidia-smi fallback and the background
// snapshot maintainer. Grounded on internal/gvisor's available-flag +
// exec.LookPath graceful-degradation idiom: probing hardware that may not
// exist must never panic or block the caller.
type Probe struct {
	nvmlAvailable bool

	mu       sync.RWMutex
	snapshot SystemSnapshot
	stop     chan struct{}
	logger   *slog.Logger
}

// New creates a Probe and starts its background snapshot maintainer
// (refresh period ~1s, with an immediate warmup sample before returning).
func New() *Probe {
	p := &Probe{
		logger:        slog.Default().With("component", "gpuprobe"),
		stop:          make(chan struct{}),
		nvmlAvailable: nvmlDlopenAvailable(),
	}
	p.refresh()
	go p.maintain()
	return p
}

// FreeBytesNow returns (free, total) for GPU 0. Tries NVML first, falls
// back to nvidia-smi, finally returns (0, 0). Never blocks longer than
// ~2.5s.
func (p *Probe) FreeBytesNow(ctx context.Context) (free, total int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	if p.nvmlAvailable {
		if f, t, ok := readNVML(); ok {
			return f, t, nil
		}
	}
	if f, t, ok := readNvidiaSMI(ctx); ok {
		return f, t, nil
	}
	return 0, 0, nil
}

// Snapshot returns a copy of the most recently maintained system snapshot.
func (p *Probe) Snapshot() SystemSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Close stops the background maintainer goroutine.
func (p *Probe) Close() {
	close(p.stop)
}

func (p *Probe) maintain() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.refresh()
		case <-p.stop:
			return
		}
	}
}

func (p *Probe) refresh() {
	snap := SystemSnapshot{Timestamp: time.Now()}

	if counts, err := cpu.Counts(true); err == nil {
		snap.CPUCount = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMFreeB = vm.Available
		snap.RAMTotalB = vm.Total
	} else {
		p.logger.Warn("gpuprobe: failed to read system memory", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()
	free, total, _ := p.FreeBytesNow(ctx)
	if total > 0 {
		snap.GPUs = []GPUReading{{Index: 0, Free: free, Total: total}}
	}

	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()
}

// readNvidiaSMI shells out to nvidia-smi and parses free/total memory for
// GPU 0 in MiB, converting to bytes.
func readNvidiaSMI(ctx context.Context) (free, total int64, ok bool) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return 0, 0, false
	}
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free,memory.total", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, false
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return 0, 0, false
	}
	parts := strings.Split(scanner.Text(), ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	freeMiB, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	totalMiB, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	const mib = 1024 * 1024
	return freeMiB * mib, totalMiB * mib, true
}
