//go:build linux

package gpuprobe

import (
	"log/slog"
	"sync"

	"github.com/ebitengine/purego"
)

// NVML binding via purego's dlopen, avoiding a cgo dependency on the NVML
// headers. Mirrors the available-flag pattern used for the nvidia-smi
// fallback: failure to load the library degrades to the next fallback
// rather than propagating an error.

var (
	nvmlOnce    sync.Once
	nvmlHandle  uintptr
	nvmlOK      bool
	nvmlInit    func() int32
	nvmlDevice  func(uint32, *uintptr) int32
	nvmlMemInfo func(uintptr, *memoryInfo) int32
)

type memoryInfo struct {
	Total uint64
	Free  uint64
	Used  uint64
}

func nvmlDlopenAvailable() bool {
	nvmlOnce.Do(loadNVML)
	return nvmlOK
}

func loadNVML() {
	lib, err := purego.Dlopen("libnvidia-ml.so.1", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		slog.Default().Debug("gpuprobe: NVML not available, will fall back to nvidia-smi", "error", err)
		return
	}
	nvmlHandle = lib
	purego.RegisterLibFunc(&nvmlInit, lib, "nvmlInit_v2")
	purego.RegisterLibFunc(&nvmlDevice, lib, "nvmlDeviceGetHandleByIndex_v2")
	purego.RegisterLibFunc(&nvmlMemInfo, lib, "nvmlDeviceGetMemoryInfo")
	if nvmlInit() != 0 {
		nvmlOK = false
		return
	}
	nvmlOK = true
}

func readNVML() (free, total int64, ok bool) {
	if !nvmlOK {
		return 0, 0, false
	}
	var dev uintptr
	if nvmlDevice(0, &dev) != 0 {
		return 0, 0, false
	}
	var info memoryInfo
	if nvmlMemInfo(dev, &info) != 0 {
		return 0, 0, false
	}
	return int64(info.Free), int64(info.Total), true
}
