package tierrouter

import (
	"strconv"
	"strings"
)

// Hints is the raw, caller-supplied routing metadata.
type Hints struct {
	Prompt              string
	RunID               string
	RequiresMath        bool
	RequiresHighQuality bool
	OfflineRequired     bool
	EstimatedTokens     int64 // 0 when unknown
	Metadata            map[string]string
}

// mathTasks are task labels that imply symbolic or mathematical reasoning.
var mathTasks = map[string]bool{
	"proof":      true,
	"math":       true,
	"derivation": true,
	"statistics": true,
}

// qualityFlags are metadata keys that, when truthy, demand the best available output.
var qualityFlags = []string{"critical_section", "high_bias_risk", "phd_level"}

// Classify derives RequestMeta from hints. It is a pure rule evaluation and
// never fails: missing fields get defaults. The run id is only trimmed; an
// empty one is rejected by Router.Complete with ErrMissingRunID.
func Classify(h Hints) RequestMeta {
	meta := RequestMeta{
		RequiresMath:        h.RequiresMath,
		RequiresHighQuality: h.RequiresHighQuality,
		OfflineRequired:     h.OfflineRequired,
		EstimatedTokens:     h.EstimatedTokens,
		RunID:               strings.TrimSpace(h.RunID),
	}

	if task, ok := h.Metadata["task"]; ok && mathTasks[strings.ToLower(strings.TrimSpace(task))] {
		meta.RequiresMath = true
	}
	for _, key := range qualityFlags {
		if truthy(h.Metadata[key]) {
			meta.RequiresHighQuality = true
		}
	}
	if truthy(h.Metadata["offline"]) {
		meta.OfflineRequired = true
	}

	if meta.EstimatedTokens <= 0 {
		meta.EstimatedTokens = EstimateTokens(h.Prompt)
		meta.TokensApproximate = true
	}
	return meta
}

func truthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "yes" || v == "on" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
