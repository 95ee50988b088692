package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder drops spans named after an excluded route and defers every
// other decision to a ratio sampler. Probe and scrape traffic would otherwise
// dominate the sampled traces.
type endpointExcluder struct {
	endpoints map[string]struct{}
	ratio     sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints: endpoints,
		ratio:     sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

// ShouldSample implements sdktrace.Sampler.
func (ee endpointExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, ok := ee.endpoints[p.Name]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return ee.ratio.ShouldSample(p)
}

// Description implements sdktrace.Sampler.
func (ee endpointExcluder) Description() string {
	return "excludeEndpoints"
}
