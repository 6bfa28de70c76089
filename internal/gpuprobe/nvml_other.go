//go:build !linux

package gpuprobe

// On non-Linux platforms the NVML dlopen path is not wired; the probe
// falls straight through to the nvidia-smi subprocess fallback.

func nvmlDlopenAvailable() bool { return false }

func readNVML() (free, total int64, ok bool) { return 0, 0, false }
