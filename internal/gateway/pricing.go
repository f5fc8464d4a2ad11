package gateway

// ResolvePricing merges a route's nested pricing block with its legacy
// top-level fields into one effective descriptor. Each field is resolved
// independently: the nested value wins, then the legacy value, then
// absent. Model defaults to "request". No validation happens here;
// duration parseability is checked where the duration is actually parsed.
func ResolvePricing(route *Route) EffectivePricing {
	var nested Pricing
	if route.Pricing != nil {
		nested = *route.Pricing
	}

	eff := EffectivePricing{
		Model:    nested.Model,
		Price:    nested.Price,
		Duration: nested.Duration,
		Match:    nested.Match,
		Fallback: nested.Fallback,
	}

	if eff.Model == "" {
		eff.Model = ModelRequest
	}
	if eff.Price == "" {
		eff.Price = route.Price
	}
	if len(eff.Match) == 0 {
		eff.Match = route.Match
	}
	if eff.Fallback == "" {
		eff.Fallback = route.Fallback
	}

	return eff
}
