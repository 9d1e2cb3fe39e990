package authz

import "fmt"

// Outcome classifies the result of an access check. The zero value is
// OutcomeDenied so a forgotten assignment never grants access.
type Outcome int

const (
	// OutcomeDenied means the principal is known and the resource exists, but
	// no rule grants the required level.
	OutcomeDenied Outcome = iota
	// OutcomeGranted means access is allowed.
	OutcomeGranted
	// OutcomeNotFound means the resource does not exist or is soft-deleted.
	// Callers should surface it exactly like a missing row to avoid leaking
	// the existence of protected resources.
	OutcomeNotFound
	// OutcomeError means a data-access failure prevented a verdict. It must
	// never be treated as a grant.
	OutcomeError
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDenied:
		return "denied"
	case OutcomeGranted:
		return "granted"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the verdict of a single access check.
type Decision struct {
	Outcome Outcome
	// Reason names the rule that produced the outcome, for logs and audits.
	Reason string
	// Err carries the underlying failure when Outcome is OutcomeError.
	Err error
}

// Allowed reports whether the check granted access.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeGranted
}

func granted(reason string) Decision {
	return Decision{Outcome: OutcomeGranted, Reason: reason}
}

func denied(reason string) Decision {
	return Decision{Outcome: OutcomeDenied, Reason: reason}
}

func notFound(reason string) Decision {
	return Decision{Outcome: OutcomeNotFound, Reason: reason}
}

// failed records a data-access failure. The error is expected to already
// carry its context.
func failed(op string, err error) Decision {
	return Decision{Outcome: OutcomeError, Reason: op, Err: err}
}
