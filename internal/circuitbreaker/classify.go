package circuitbreaker

import (
	conduit "github.com/knnlabs/conduit/internal"
)

// ClassifyError returns the error weight for breaker tracking, derived from
// the gateway error taxonomy.
//
// Weights:
//   - rate limited -> 0.5 (backpressure, usually transient)
//   - timeout -> 1.5 (worst failure mode: slow and broken)
//   - provider internal, communication -> 1.0
//   - caller faults (auth, invalid model, unsupported, context length,
//     configuration) -> 0.0
//   - client cancellation -> 0.0
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}
	switch conduit.KindOf(err) {
	case conduit.KindRateLimited:
		return 0.5
	case conduit.KindTimeout:
		return 1.5
	case conduit.KindProviderInternal, conduit.KindCommunication:
		return 1.0
	default:
		// Authentication, invalid model, unsupported, context length,
		// configuration, cancellation: the deployment is not at fault.
		return 0
	}
}
