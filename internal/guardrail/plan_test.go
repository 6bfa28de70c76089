package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSettings() map[string]any {
	return map[string]any{
		"worker_default.n_ctx":           4096,
		"worker_default.n_threads":       8,
		"worker_default.n_batch":         512,
		"worker_default.n_gpu_layers":    0,
		"worker_default.rope_freq_base":  0.0,
		"worker_default.rope_freq_scale": 0.0,
		"worker_default.kv_offload":      true,
		"worker_default.device":          0,
		"worker_default.accel":           "auto",
		"guardrail.mode":                 "balanced",
		"guardrail.auto_fit":             true,
		"guardrail.custom_gb":            0.0,
		"guardrail.default_total_layers": 32,
		"guardrail.max_spillover_steps":  6,
	}
}

func TestPlan_AutoFitsLayersToBudget(t *testing.T) {
	in := Input{
		ModelSizeGB:   14,
		TotalLayers:   32,
		UserKwargs:    map[string]any{},
		GPUFreeBytes:  int64(8) * 1024 * 1024 * 1024,
		GPUTotalBytes: int64(8) * 1024 * 1024 * 1024,
		Settings:      baseSettings(),
	}

	res := Plan(in)

	require.Equal(t, DecisionProceed, res.Decision)
	assert.Less(t, res.Kwargs.NGPULayers, 32)
	assert.LessOrEqual(t, res.Diagnostics.ProjGB, res.Diagnostics.BudgetGB)
}

func TestPlan_OffModeNeverAborts(t *testing.T) {
	in := Input{
		ModelSizeGB:   900,
		TotalLayers:   32,
		UserKwargs:    map[string]any{"n_gpu_layers": 32, "n_ctx": 32768, "kv_offload": true},
		GPUFreeBytes:  1024 * 1024,
		GPUTotalBytes: 1024 * 1024,
		Settings:      mergeMode(baseSettings(), "off"),
	}

	res := Plan(in)

	assert.Equal(t, DecisionProceed, res.Decision)
	assert.Equal(t, 32, res.Kwargs.NGPULayers)
}

func TestPlan_HardPinsOverBudgetAbort(t *testing.T) {
	settings := mergeMode(baseSettings(), "strict")
	in := Input{
		ModelSizeGB:   900,
		TotalLayers:   32,
		UserKwargs:    map[string]any{"n_gpu_layers": 32, "n_ctx": 32768, "kv_offload": true},
		GPUFreeBytes:  int64(4) * 1024 * 1024 * 1024,
		GPUTotalBytes: int64(8) * 1024 * 1024 * 1024,
		Settings:      settings,
	}

	res := Plan(in)

	assert.Equal(t, DecisionAbortOverBudgetHardPins, res.Decision)
	assert.Equal(t, 32, res.Kwargs.NGPULayers, "hard-pinned layers are never silently reduced")
}

func TestPlan_RelaxedModeAllowsOverflow(t *testing.T) {
	settings := mergeMode(baseSettings(), "relaxed")
	in := Input{
		ModelSizeGB:   900,
		TotalLayers:   32,
		UserKwargs:    map[string]any{"n_gpu_layers": 32, "n_ctx": 32768, "kv_offload": true},
		GPUFreeBytes:  int64(4) * 1024 * 1024 * 1024,
		GPUTotalBytes: int64(8) * 1024 * 1024 * 1024,
		Settings:      settings,
	}

	res := Plan(in)

	assert.Equal(t, DecisionProceedVMMAllowed, res.Decision)
}

func TestPlan_CPUAccelForcesZeroLayers(t *testing.T) {
	settings := baseSettings()
	settings["worker_default.accel"] = "cpu"
	in := Input{
		ModelSizeGB:   7,
		TotalLayers:   32,
		UserKwargs:    map[string]any{},
		GPUFreeBytes:  int64(8) * 1024 * 1024 * 1024,
		GPUTotalBytes: int64(8) * 1024 * 1024 * 1024,
		Settings:      settings,
	}

	res := Plan(in)

	assert.Equal(t, 0, res.Kwargs.NGPULayers)
	assert.False(t, res.Kwargs.KVOffload)
	assert.Equal(t, "", res.EnvPatch["CUDA_VISIBLE_DEVICES"])
}

func TestPlan_HipAccelNormalizesToRocm(t *testing.T) {
	settings := baseSettings()
	settings["worker_default.accel"] = "hip"
	in := Input{
		ModelSizeGB:   7,
		TotalLayers:   32,
		UserKwargs:    map[string]any{},
		GPUFreeBytes:  int64(8) * 1024 * 1024 * 1024,
		GPUTotalBytes: int64(8) * 1024 * 1024 * 1024,
		Settings:      settings,
	}

	res := Plan(in)

	assert.Equal(t, AccelROCm, res.Kwargs.Accel)
}

func mergeMode(settings map[string]any, mode string) map[string]any {
	settings["guardrail.mode"] = mode
	return settings
}
