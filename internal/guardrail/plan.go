// Package guardrail implements the VRAM guardrail planner (C3): a pure
// function mapping (model_path, user_kwargs, live GPU state, settings) to
// a launch plan, grounded on original_source/workers/worker_guardrail.py's
// compute_llama_settings().
package guardrail

import (
	"math"
)

// Mode is the guardrail strictness mode.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeStrict   Mode = "strict"
	ModeBalanced Mode = "balanced"
	ModeRelaxed  Mode = "relaxed"
	ModeCustom   Mode = "custom"
)

// Decision is the planner's final verdict.
type Decision string

const (
	DecisionProceed                 Decision = "proceed"
	DecisionProceedVMMAllowed        Decision = "proceed_vmm_allowed"
	DecisionAbortOverBudgetHardPins  Decision = "abort_over_budget_hard_pins"
)

// Accel is the normalized accelerator family (spec §4.3 step 1).
type Accel string

const (
	AccelCPU   Accel = "cpu"
	AccelCUDA  Accel = "cuda"
	AccelMetal Accel = "metal"
	AccelROCm  Accel = "rocm"
	AccelAuto  Accel = "auto"
)

// LaunchKwargs is the effective set of knobs handed to the worker process.
type LaunchKwargs struct {
	NGPULayers    int
	NCtx          int
	NThreads      int
	NBatch        int
	RopeFreqBase  float64
	RopeFreqScale float64
	KVOffload     bool
	Device        int
	Accel         Accel
}

// Diagnostics carries the intermediate values the planner computed, for
// inclusion in guardrail_abort error responses (spec §7).
type Diagnostics struct {
	PerLayerGB float64
	OverheadGB float64
	BudgetGB   float64
	ProjGB     float64
	FreeGB     float64
	LiveFreeGB float64
	PendingGB  float64
	Decision   Decision
	Steps      []string
}

// Input bundles everything the planner needs: nothing here is mutated, and
// nothing outside Input/Settings is consulted — this keeps Plan pure.
type Input struct {
	ModelPath      string
	ModelSizeGB    float64
	TotalLayers    int // 0 => fall back to settings default (32)
	UserKwargs     map[string]any
	GPUFreeBytes   int64
	GPUTotalBytes  int64
	PendingOtherGB float64 // sum of pending VRAM for other loading workers
	Settings       map[string]any
}

// Result is the planner's full output.
type Result struct {
	Kwargs      LaunchKwargs
	EnvPatch    map[string]string
	Diagnostics Diagnostics
	Decision    Decision
}

const (
	kvBytesPerCtxToken = 131072.0
	gib                = 1024.0 * 1024.0 * 1024.0
	overheadGB         = 0.2
)

// Plan computes the launch plan. Deterministic and side-effect free.
func Plan(in Input) Result {
	settingsGet := settingsGetter(in.Settings)

	totalLayers := in.TotalLayers
	if totalLayers <= 0 {
		totalLayers = settingsGet.int("guardrail.default_total_layers", 32)
	}

	// --- 1. Base settings fold + accel normalization ---
	baseCtx := settingsGet.int("worker_default.n_ctx", 4096)
	baseThreads := settingsGet.int("worker_default.n_threads", 8)
	baseBatch := settingsGet.int("worker_default.n_batch", 512)
	baseLayers := settingsGet.int("worker_default.n_gpu_layers", 0)
	baseRopeBase := settingsGet.float("worker_default.rope_freq_base", 0)
	baseRopeScale := settingsGet.float("worker_default.rope_freq_scale", 0)
	baseKV := settingsGet.bool("worker_default.kv_offload", true)
	baseDevice := settingsGet.int("worker_default.device", 0)
	accel := normalizeAccel(settingsGet.str("worker_default.accel", "auto"))

	// --- 2. Pin detection (spec §4.3 step 2) ---
	pinnedLayers, userLayers, hasUserLayers := pinInt(in.UserKwargs, "n_gpu_layers")
	pinnedCtx, userCtx, hasUserCtx := pinInt(in.UserKwargs, "n_ctx")
	pinnedKV, userKV, hasUserKV := pinBool(in.UserKwargs, "kv_offload")

	layers := baseLayers
	if hasUserLayers {
		layers = userLayers
	}
	ctx := baseCtx
	if hasUserCtx {
		ctx = userCtx
	}
	kv := baseKV
	if hasUserKV {
		kv = userKV
	}

	envPatch := maskAccelEnv(accel)

	mode := Mode(settingsGet.str("guardrail.mode", "balanced"))
	autoFit := settingsGet.bool("guardrail.auto_fit", true)
	customGB := settingsGet.float("guardrail.custom_gb", 0)

	perLayerGB := 0.0
	if totalLayers > 0 {
		perLayerGB = in.ModelSizeGB / float64(totalLayers)
	}

	vmmForcedOff := mode == ModeStrict || mode == ModeCustom
	budget := computeBudget(mode, in.GPUFreeBytes, in.GPUTotalBytes, in.PendingOtherGB, customGB, vmmForcedOff)

	liveFreeGB := math.Max(bytesToGB(in.GPUFreeBytes)-in.PendingOtherGB, 0)

	steps := []string{}

	projFn := func(nLayers int, nCtx int, kvOnGPU bool) float64 {
		kvGB := 0.0
		if kvOnGPU {
			kvGB = (kvBytesPerCtxToken * float64(nCtx)) / gib
		}
		return perLayerGB*float64(nLayers) + kvGB + overheadGB
	}

	// --- 5. Auto-fit (only when layers are not pinned) ---
	if !pinnedLayers && autoFit && totalLayers > 0 && perLayerGB > 0 {
		fit := 1
		for n := totalLayers; n >= 1; n-- {
			if projFn(n, ctx, kv) <= budget {
				fit = n
				break
			}
		}
		layers = fit
		steps = append(steps, "auto_fit")
	}

	proj := projFn(layers, ctx, kv)

	// Early-abort check (resolved open question #5 in DESIGN.md): if every
	// overflow-reducing knob is pinned and we're already over budget, there
	// is nothing the spillover loop could do.
	allPinned := pinnedKV && pinnedLayers && pinnedCtx
	if proj > budget && allPinned && mode != ModeRelaxed && mode != ModeOff {
		return finish(layers, ctx, kv, baseThreads, baseBatch, baseRopeBase, baseRopeScale, baseDevice, accel,
			in, perLayerGB, budget, proj, liveFreeGB, envPatch, steps, DecisionAbortOverBudgetHardPins)
	}

	// --- 6. Bounded spillover loop (<= 6 iterations) ---
	maxSteps := settingsGet.int("guardrail.max_spillover_steps", 6)
spillover:
	for i := 0; i < maxSteps && proj > budget; i++ {
		switch {
		case kv && !pinnedKV:
			kv = false
			steps = append(steps, "kv_to_cpu")
		case !pinnedLayers && layers > 1:
			need := proj - budget
			reduce := int(math.Ceil(need / maxFloat(perLayerGB, 1e-9)))
			layers = maxInt(layers-reduce, 1)
			steps = append(steps, "reduce_layers")
		case kv && !pinnedCtx && ctx > 2048:
			ctx = maxInt(2048, int(math.Floor(0.85*float64(ctx))))
			steps = append(steps, "shrink_ctx")
		default:
			break spillover
		}
		proj = projFn(layers, ctx, kv)
	}

	// --- 7. Decision ---
	decision := DecisionProceed
	if proj > budget {
		if mode == ModeRelaxed {
			decision = DecisionProceedVMMAllowed
		} else if allPinnedNow(pinnedKV, kv, pinnedLayers, layers, pinnedCtx, ctx) {
			decision = DecisionAbortOverBudgetHardPins
		} else {
			// Spillover loop broke before exhausting reducible knobs but
			// still over budget (e.g. non-relaxed mode, no pins, but
			// per-layer cost too high even at 1 layer): treat the same as
			// the hard-pin abort since no further automatic reduction is
			// possible.
			decision = DecisionAbortOverBudgetHardPins
		}
	}

	return finish(layers, ctx, kv, baseThreads, baseBatch, baseRopeBase, baseRopeScale, baseDevice, accel,
		in, perLayerGB, budget, proj, liveFreeGB, envPatch, steps, decision)
}

func finish(layers, ctx int, kv bool, threads, batch int, ropeBase, ropeScale float64, device int, accel Accel,
	in Input, perLayerGB, budget, proj, liveFreeGB float64, envPatch map[string]string, steps []string, decision Decision) Result {

	// --- 8. Sanitization ---
	if accel == AccelCPU {
		layers = 0
		kv = false
	} else if layers < 1 && decision != DecisionAbortOverBudgetHardPins {
		layers = 1
	}

	if decision == DecisionProceed && (modeOf(in) == ModeStrict || modeOf(in) == ModeCustom) {
		envPatch["GGML_CUDA_NO_VMM"] = "1"
	}

	kwargs := LaunchKwargs{
		NGPULayers:    layers,
		NCtx:          ctx,
		NThreads:      threads,
		NBatch:        batch,
		RopeFreqBase:  ropeBase,
		RopeFreqScale: ropeScale,
		KVOffload:     kv,
		Device:        device,
		Accel:         accel,
	}

	diag := Diagnostics{
		PerLayerGB: perLayerGB,
		OverheadGB: overheadGB,
		BudgetGB:   budget,
		ProjGB:     proj,
		FreeGB:     bytesToGB(in.GPUFreeBytes),
		LiveFreeGB: liveFreeGB,
		PendingGB:  in.PendingOtherGB,
		Decision:   decision,
		Steps:      steps,
	}

	return Result{
		Kwargs:      kwargs,
		EnvPatch:    envPatch,
		Diagnostics: diag,
		Decision:    decision,
	}
}

func modeOf(in Input) Mode {
	g := settingsGetter(in.Settings)
	return Mode(g.str("guardrail.mode", "balanced"))
}

func allPinnedNow(pinnedKV, kv bool, pinnedLayers bool, layers int, pinnedCtx bool, ctx int) bool {
	kvExhausted := pinnedKV || !kv
	layersExhausted := pinnedLayers || layers <= 1
	ctxExhausted := pinnedCtx || ctx <= 2048
	return kvExhausted && layersExhausted && ctxExhausted
}

// computeBudget implements spec §4.3 step 3's per-mode formulas.
func computeBudget(mode Mode, freeBytes, totalBytes int64, pendingOtherGB, customGB float64, vmmForcedOff bool) float64 {
	vmmPad := 0.0
	if vmmForcedOff {
		vmmPad = 0.10
	}

	freeGB := bytesToGB(freeBytes)
	totalGB := bytesToGB(totalBytes)
	liveFree := math.Max(freeGB-pendingOtherGB, 0)

	switch mode {
	case ModeOff:
		return math.Inf(1)
	case ModeStrict:
		return math.Min(math.Max(liveFree-0.25-vmmPad, 0), (0.85-vmmPad)*totalGB)
	case ModeBalanced:
		return math.Min(math.Max(liveFree-0.15-vmmPad, 0), (0.93-vmmPad)*totalGB)
	case ModeRelaxed:
		return math.Min(math.Max(liveFree-0.05-vmmPad, 0), (0.99-vmmPad)*totalGB)
	case ModeCustom:
		balancedCap := math.Min(math.Max(liveFree-0.15-vmmPad, 0), (0.93-vmmPad)*totalGB)
		return math.Min(customGB, balancedCap)
	default:
		return math.Min(math.Max(liveFree-0.15-vmmPad, 0), 0.93*totalGB)
	}
}

func normalizeAccel(s string) Accel {
	switch Accel(s) {
	case AccelCPU, AccelCUDA, AccelMetal, AccelROCm, AccelAuto:
		return Accel(s)
	case "hip":
		return AccelROCm
	default:
		return AccelAuto
	}
}

// maskAccelEnv computes the environment patch masking other accelerators,
// per spec §4.3 step 1.
func maskAccelEnv(accel Accel) map[string]string {
	env := map[string]string{"LLAMA_ACCEL": string(accel)}
	switch accel {
	case AccelCPU:
		env["CUDA_VISIBLE_DEVICES"] = ""
		env["HIP_VISIBLE_DEVICES"] = ""
		env["LLAMA_NO_METAL"] = "1"
	case AccelROCm:
		// The worker env names the ROCm backend "hip".
		env["LLAMA_ACCEL"] = "hip"
		env["CUDA_VISIBLE_DEVICES"] = ""
		env["LLAMA_NO_METAL"] = "1"
	case AccelCUDA:
		env["HIP_VISIBLE_DEVICES"] = ""
		env["LLAMA_NO_METAL"] = "1"
	case AccelMetal:
		env["CUDA_VISIBLE_DEVICES"] = ""
		env["HIP_VISIBLE_DEVICES"] = ""
	case AccelAuto:
		// no masking
	}
	return env
}

func bytesToGB(b int64) float64 {
	return float64(b) / gib
}

// KVGB returns the projected KV-cache footprint in GB for n_ctx tokens,
// zero when KV is not resident on the GPU. Exported so the supervisor can
// separate a worker's pending-VRAM contribution (weights only, since the
// KV cache is not allocated until the worker is actually serving) from the
// planner's full projection, mirroring the source's pending_vram_gb bookkeeping.
func KVGB(nCtx int, kvOnGPU bool) float64 {
	if !kvOnGPU {
		return 0
	}
	return (kvBytesPerCtxToken * float64(nCtx)) / gib
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// pinInt reports whether key was explicitly supplied in kwargs with a
// value > 0 (the spec's hard-pin rule for n_gpu_layers/n_ctx).
func pinInt(kwargs map[string]any, key string) (pinned bool, value int, present bool) {
	raw, ok := kwargs[key]
	if !ok || raw == nil {
		return false, 0, false
	}
	switch v := raw.(type) {
	case int:
		return v > 0, v, true
	case int64:
		return v > 0, int(v), true
	case float64:
		return v > 0, int(v), true
	}
	return false, 0, true
}

// pinBool reports whether a KV-offload key was explicitly supplied.
func pinBool(kwargs map[string]any, key string) (pinned bool, value bool, present bool) {
	raw, ok := kwargs[key]
	if !ok || raw == nil {
		return false, false, false
	}
	if v, ok := raw.(bool); ok {
		return true, v, true
	}
	return true, false, true
}
