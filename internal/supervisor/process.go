package supervisor

import (
	"encoding/json"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/ocx/core/internal/guardrail"
)

// sendSigtermThenKill mirrors worker_types.py's send_sigterm_then_kill:
// send SIGTERM, poll for exit, escalate to SIGKILL if the process is still
// alive once waitFor has elapsed.
func sendSigtermThenKill(cmd *exec.Cmd, waitFor time.Duration) bool {
	if cmd == nil || cmd.Process == nil {
		return true
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already exited, or unsignalable: treat as stopped either way.
		return true
	}

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if !processAlive(cmd) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !processAlive(cmd) {
		return true
	}
	if err := cmd.Process.Kill(); err != nil {
		return false
	}
	return true
}

func processAlive(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return false
	}
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// mirrorLlamaKwargsToEnv mirrors worker_types.py's mirror_llama_kwargs_to_env:
// every resolved launch kwarg is also exposed as an individual environment
// variable (the numerics under their bare names such as N_CTX, kv_offload
// and device as LLAMA_KV_OFFLOAD and LLAMA_DEVICE) for worker binaries that
// read env directly instead of parsing LLAMA_KWARGS_JSON.
func mirrorLlamaKwargsToEnv(k guardrail.LaunchKwargs) []string {
	return []string{
		"N_GPU_LAYERS=" + strconv.Itoa(k.NGPULayers),
		"N_CTX=" + strconv.Itoa(k.NCtx),
		"N_THREADS=" + strconv.Itoa(k.NThreads),
		"N_BATCH=" + strconv.Itoa(k.NBatch),
		"ROPE_FREQ_BASE=" + strconv.FormatFloat(k.RopeFreqBase, 'f', -1, 64),
		"ROPE_FREQ_SCALE=" + strconv.FormatFloat(k.RopeFreqScale, 'f', -1, 64),
		"LLAMA_KV_OFFLOAD=" + strconv.FormatBool(k.KVOffload),
		"LLAMA_DEVICE=" + strconv.Itoa(k.Device),
	}
}

// dumpLlamaKwargsJSON mirrors worker_types.py's dump_llama_kwargs_json.
func dumpLlamaKwargsJSON(k guardrail.LaunchKwargs) (string, error) {
	b, err := json.Marshal(map[string]any{
		"n_gpu_layers":    k.NGPULayers,
		"n_ctx":           k.NCtx,
		"n_threads":       k.NThreads,
		"n_batch":         k.NBatch,
		"rope_freq_base":  k.RopeFreqBase,
		"rope_freq_scale": k.RopeFreqScale,
		"kv_offload":      k.KVOffload,
		"device":          k.Device,
		"accel":           string(k.Accel),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
