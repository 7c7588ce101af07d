package domain

import "fmt"

// OutcomeKind tags a FetchOutcome.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRateLimited
	OutcomeTransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchOutcome is the classified result of a single fetch attempt.
type FetchOutcome struct {
	Kind       OutcomeKind
	StatusCode int
	Err        error
}

func Ok(statusCode int) FetchOutcome {
	return FetchOutcome{Kind: OutcomeOK, StatusCode: statusCode}
}

func RateLimited(statusCode int) FetchOutcome {
	return FetchOutcome{Kind: OutcomeRateLimited, StatusCode: statusCode}
}

func TransportError(cause error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTransportError, Err: cause}
}

func (o FetchOutcome) String() string {
	switch o.Kind {
	case OutcomeTransportError:
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	default:
		return fmt.Sprintf("%s (status %d)", o.Kind, o.StatusCode)
	}
}
