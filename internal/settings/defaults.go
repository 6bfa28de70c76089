package settings

// Defaults returns the built-in default effective-settings map. Key names
// follow original_source's core/settings.py conventions (worker_default.*,
// retitle_*, gen_semaphore_permits, ...) so the guardrail planner and
// retitle queue read keys with the same names as the system they're
// grounded on.
func Defaults() map[string]any {
	return map[string]any{
		"gen_semaphore_permits": 1,

		"worker_default.n_ctx":          4096,
		"worker_default.n_threads":      8,
		"worker_default.n_batch":        512,
		"worker_default.n_gpu_layers":   0,
		"worker_default.rope_freq_base": 0.0,
		"worker_default.rope_freq_scale": 0.0,
		"worker_default.kv_offload":     true,
		"worker_default.device":         0,
		"worker_default.accel":         "auto",

		"guardrail.mode":                "balanced",
		"guardrail.auto_fit":            true,
		"guardrail.custom_gb":           0.0,
		"guardrail.default_total_layers": 32,
		"guardrail.max_spillover_steps":  6,

		"retitle_enable":                         true,
		"retitle_enable_sanitize":                 true,
		"retitle_queue_maxsize":                   256,
		"retitle_preview_chars":                   80,
		"retitle_preview_ellipsis":                "…",
		"retitle_min_substantial_chars":           3,
		"retitle_require_alpha":                   true,
		"retitle_min_user_chars":                  3,
		"retitle_grace_ms":                        1000,
		"retitle_active_backoff_start_ms":         75,
		"retitle_active_backoff_max_ms":           600,
		"retitle_active_backoff_total_ms":         20000,
		"retitle_active_backoff_growth":           1.6,
		"retitle_sanitize_max_words":               7,
		"retitle_sanitize_max_chars":               60,
		"retitle_sanitize_strip_quotes":            true,
		"retitle_sanitize_drop_prefix_regex":       `^(?i)title:\s*`,
		"retitle_sanitize_replace_not_allowed_regex": `[\x00-\x1f]`,
		"retitle_sanitize_replace_with":            "",
		"retitle_llm_max_tokens":                   24,
		"retitle_llm_temperature":                  0.2,
		"retitle_llm_top_p":                        0.9,
		"retitle_user_prefix":                      "Conversation excerpt:\n",
		"retitle_user_suffix":                      "\n\nRespond with only a short title.",

		"packing.rollup_skip_threshold": 1.1,
		"packing.rollup_min_peel":       3,
		"packing.rollup_max_peel":       12,
		"packing.rollup_peel_ratio":     0.2,
		"packing.summary_max_chars":     4000,
		"packing.summary_shrink_ratio":  0.5,
		"packing.summary_floor_chars":   200,

		"stream.queue_maxsize":     64,
		"stream.min_out_tokens":    16,
		"stream.output_margin":     32,
		"stream.reserved_system":   256,
		"stream.show_cancel_notice": true,
	}
}
