package convert

import (
	"go.uber.org/zap"

	"github.com/toolbridge/proxy/messages"
)

// capability describes what a target provider cannot honor. The provider
// set is closed, so a static table is enough.
type capability struct {
	dropSeed       bool
	dropN          bool
	dropLogProbs   bool
	dropUsageOpt   bool
	dropJSONSchema bool
	dropTopK       bool
	dropRepPenalty bool
}

var capabilities = map[messages.Provider]capability{
	messages.ProviderOpenAI: {
		// OpenAI has no native top_k or repeat_penalty.
		dropTopK:       true,
		dropRepPenalty: true,
	},
	messages.ProviderOllama: {
		dropSeed:     true,
		dropN:        true,
		dropLogProbs: true,
		dropUsageOpt: true,
		// json_schema narrows to json_object on the options path; the
		// schema itself still travels in format when present.
	},
}

// FilterForTarget strips neutral-request fields the target provider cannot
// honor. Runs before the target's request converter. Mutates g in place and
// returns it for chaining.
func FilterForTarget(g *messages.GenericRequest, target messages.Provider) *messages.GenericRequest {
	caps, ok := capabilities[target]
	if !ok {
		return g
	}
	if caps.dropSeed && g.Seed != nil {
		zap.S().Debugw("capability_filter_dropped", "target", target, "field", "seed")
		g.Seed = nil
	}
	if caps.dropN && g.N > 0 {
		zap.S().Debugw("capability_filter_dropped", "target", target, "field", "n")
		g.N = 0
	}
	if caps.dropLogProbs && g.LogProbs {
		zap.S().Debugw("capability_filter_dropped", "target", target, "field", "logprobs")
		g.LogProbs = false
	}
	if caps.dropUsageOpt && g.IncludeUsage {
		// The client-side stream still honors include_usage; only the
		// backend payload drops it.
		g.IncludeUsage = false
	}
	if caps.dropTopK && g.TopK != nil {
		zap.S().Debugw("capability_filter_dropped", "target", target, "field", "top_k")
		g.TopK = nil
	}
	if caps.dropRepPenalty && g.RepetitionPenalty != nil {
		zap.S().Debugw("capability_filter_dropped", "target", target, "field", "repetition_penalty")
		g.RepetitionPenalty = nil
	}
	if caps.dropJSONSchema && g.ResponseFormat == messages.ResponseFormatJSONSchema {
		g.ResponseFormat = messages.ResponseFormatJSONObject
		g.JSONSchema = nil
	}
	return g
}
