package llm

import "math"

type Tier string

const (
	TierBasic    Tier = "basic"
	TierAdvanced Tier = "advanced"
)

// price is USD per million tokens.
type price struct {
	input, output float64
}

var pricing = map[string]price{
	"claude-haiku-4-5": {1.0, 5.0},
	"claude-opus-4-6":  {5.0, 25.0},
	"gpt-4.1-mini":     {0.40, 1.60},
	"gpt-5.2":          {1.75, 14.0},
	"glm-4-flash":      {0.07, 0.07},
	"glm-4-plus":       {0.70, 0.70},
	"glm-5":            {1.0, 3.2},
}

var tiers = map[string]map[Tier]string{
	"claude": {TierBasic: "claude-haiku-4-5", TierAdvanced: "claude-opus-4-6"},
	"openai": {TierBasic: "gpt-4.1-mini", TierAdvanced: "gpt-5.2"},
	"zhipu":  {TierBasic: "glm-4-flash", TierAdvanced: "glm-5"},
}

// EstimateCost prices a call in USD, rounded to six decimals. Unknown models
// cost nothing.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1e6*p.input + float64(outputTokens)/1e6*p.output
	return math.Round(cost*1e6) / 1e6
}

// ModelFor picks a provider's model for a tier. A non-empty override wins.
func ModelFor(provider string, tier Tier, override string) string {
	if override != "" {
		return override
	}
	return tiers[provider][tier]
}
