package strategy

import (
	"context"
	"math/rand"
)

const defaultSigma = 1.0

// GaussianNoise adds an independent Normal(0, sigma) sample to every
// numeric field of the payload. Non-numeric fields pass through
// unchanged. It is never accumulated.
//
// sigma is read from params["sigma"] on every call (never cached on the
// strategy) since strategies must not hold per-request state; it falls
// back to defaultSigma when absent or not coercible to a float.
type GaussianNoise struct {
	// sample is overridable in tests so sigma=0 behavior and the
	// shape of the noise injection can be verified deterministically.
	sample func(sigma float64) float64
}

// NewGaussianNoise constructs the GNOISE strategy.
func NewGaussianNoise() *GaussianNoise {
	return &GaussianNoise{sample: func(sigma float64) float64 {
		return rand.NormFloat64() * sigma
	}}
}

func (g *GaussianNoise) Execute(ctx context.Context, deviceID, subjectID string, payload map[string]any, params map[string]any) (map[string]any, error) {
	sigma := sigmaFromParams(params)

	out := make(map[string]any, len(payload))
	for key, value := range payload {
		number, ok := asFloat64(value)
		if !ok {
			out[key] = value
			continue
		}
		out[key] = number + g.sample(sigma)
	}
	return out, nil
}

func sigmaFromParams(params map[string]any) float64 {
	raw, ok := params["sigma"]
	if !ok {
		return defaultSigma
	}
	sigma, ok := asFloat64(raw)
	if !ok {
		return defaultSigma
	}
	return sigma
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
