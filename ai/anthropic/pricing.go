package anthropic

import "strings"

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPrice  float64
	OutputPrice float64
}

// familyPricing is keyed by model family; dated snapshots such as
// claude-sonnet-4-20250514 resolve to the longest family that prefixes them.
var familyPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputPrice: 15.00, OutputPrice: 75.00},
	"claude-sonnet-4":   {InputPrice: 3.00, OutputPrice: 15.00},
	"claude-3-7-sonnet": {InputPrice: 3.00, OutputPrice: 15.00},
	"claude-3-5-sonnet": {InputPrice: 3.00, OutputPrice: 15.00},
	"claude-3-5-haiku":  {InputPrice: 0.80, OutputPrice: 4.00},
	"claude-3-opus":     {InputPrice: 15.00, OutputPrice: 75.00},
	"claude-3-haiku":    {InputPrice: 0.25, OutputPrice: 1.25},
}

// DefaultPricingFallback is charged per request when the model is unknown,
// so usage totals never silently read zero.
const DefaultPricingFallback = 0.01

// GetPricing resolves model to its family's pricing.
func GetPricing(model string) (ModelPricing, bool) {
	if p, ok := familyPricing[model]; ok {
		return p, true
	}
	best := ""
	for family := range familyPricing {
		if strings.HasPrefix(model, family+"-") && len(family) > len(best) {
			best = family
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return familyPricing[best], true
}

// CalculateCost returns the USD cost of one completion.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := GetPricing(model)
	if !ok {
		return DefaultPricingFallback
	}
	return (float64(inputTokens)*p.InputPrice + float64(outputTokens)*p.OutputPrice) / 1_000_000
}
