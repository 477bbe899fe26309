// Package coreerr defines the typed error taxonomy shared by every package in
// this module: transport, auth, protocol, validation, circuit, invariant,
// ordering, timeout and exchange-api failures all carry a stable code, a
// severity, and a recoverable flag so callers never have to string-match an
// error message.
package coreerr

import "fmt"

// Kind classifies the origin of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindAuth
	KindProtocol
	KindValidation
	KindCircuitOpen
	KindInvariant
	KindOrderingViolation
	KindDeadlock
	KindTimeout
	KindExchangeAPI
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindAuth:
		return "Auth"
	case KindProtocol:
		return "Protocol"
	case KindValidation:
		return "Validation"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindInvariant:
		return "Invariant"
	case KindOrderingViolation:
		return "OrderingViolation"
	case KindDeadlock:
		return "Deadlock"
	case KindTimeout:
		return "Timeout"
	case KindExchangeAPI:
		return "ExchangeApi"
	default:
		return "Unknown"
	}
}

// Severity is a coarse operator-facing urgency tag.
type Severity int

const (
	SeverityMinor Severity = iota
	SeverityModerate
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "Minor"
	case SeverityModerate:
		return "Moderate"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Error is the structured error type returned by every public operation in
// this module. It always carries a stable Code so that a caller can switch
// on it without parsing Error().
type Error struct {
	Kind        Kind
	Code        string
	Severity    Severity
	Recoverable bool
	Message     string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, code string, severity Severity, recoverable bool, msg string) *Error {
	return &Error{Kind: kind, Code: code, Severity: severity, Recoverable: recoverable, Message: msg}
}

// Transport-layer constructors.

func TransportError(cause error) *Error {
	e := newError(KindTransport, "ERR_TRANSPORT", SeverityModerate, true, "transport error")
	e.Cause = cause
	return e
}

func AuthRejected(cause error) *Error {
	e := newError(KindAuth, "ERR_AUTH_REJECTED", SeverityCritical, false, "credentials rejected")
	e.Cause = cause
	return e
}

func CircuitOpen(endpoint string) *Error {
	return newError(KindCircuitOpen, "ERR_CIRCUIT_OPEN", SeverityModerate, true,
		fmt.Sprintf("circuit open for endpoint %q", endpoint))
}

func MaxRetriesExceeded(attempts int) *Error {
	return newError(KindTransport, "ERR_MAX_RETRIES_EXCEEDED", SeverityCritical, false,
		fmt.Sprintf("exhausted %d reconnect attempts", attempts))
}

// Protocol / parsing constructors.

func InvalidFrame(reason string) *Error {
	return newError(KindProtocol, "ERR_INVALID_FRAME", SeverityMinor, true, reason)
}

func JSONSyntaxError(cause error) *Error {
	e := newError(KindProtocol, "ERR_JSON_SYNTAX", SeverityMinor, true, "malformed JSON frame")
	e.Cause = cause
	return e
}

func InvalidStructure(reason string) *Error {
	return newError(KindProtocol, "ERR_INVALID_STRUCTURE", SeverityMinor, true, reason)
}

func MissingField(field string) *Error {
	return newError(KindValidation, "ERR_MISSING_FIELD", SeverityMinor, true,
		fmt.Sprintf("required field %q missing, null, or empty", field))
}

func TypeMismatch(field, wanted string) *Error {
	return newError(KindValidation, "ERR_TYPE_MISMATCH", SeverityMinor, true,
		fmt.Sprintf("field %q must be %s", field, wanted))
}

func NumericRule(field, reason string) *Error {
	return newError(KindValidation, "ERR_NUMERIC_RULE", SeverityMinor, true,
		fmt.Sprintf("field %q: %s", field, reason))
}

// Ledger constructors.

func InsufficientBalance(required, available float64) *Error {
	return newError(KindInvariant, "ERR_INSUFFICIENT_BALANCE", SeverityModerate, true,
		fmt.Sprintf("required %.8f exceeds available %.8f", required, available))
}

func InvariantViolation(index int, detail string) *Error {
	return newError(KindInvariant, "ERR_INVARIANT_VIOLATION", SeverityCritical, false,
		fmt.Sprintf("invariant %d violated: %s", index, detail))
}

func UnknownPosition(id string) *Error {
	return newError(KindInvariant, "ERR_UNKNOWN_POSITION", SeverityModerate, false,
		fmt.Sprintf("position %q not found", id))
}

// Lock-order constructors.

func OrderViolation(lock string, index, prevIndex int) *Error {
	return newError(KindOrderingViolation, "ERR_ORDER_VIOLATION", SeverityCritical, false,
		fmt.Sprintf("lock %q at index %d acquired after index %d", lock, index, prevIndex))
}

func ReleaseOrderViolation(lock, held string) *Error {
	return newError(KindOrderingViolation, "ERR_RELEASE_ORDER_VIOLATION", SeverityCritical, false,
		fmt.Sprintf("released %q but most recent acquisition was %q", lock, held))
}

func HeldTooLong(lock string, heldMS, maxMS int64) *Error {
	return newError(KindOrderingViolation, "ERR_HELD_TOO_LONG", SeverityModerate, true,
		fmt.Sprintf("lock %q held %dms exceeds max %dms", lock, heldMS, maxMS))
}

func Deadlock(cycle []string) *Error {
	return newError(KindDeadlock, "ERR_DEADLOCK", SeverityCritical, false,
		fmt.Sprintf("cycle detected: %v", cycle))
}

func UnknownLock(lock string) *Error {
	return newError(KindOrderingViolation, "ERR_UNKNOWN_LOCK", SeverityCritical, false,
		fmt.Sprintf("lock %q is not part of the configured global order", lock))
}

// Reconciliation / exchange constructors.

func Timeout(seconds float64) *Error {
	return newError(KindTimeout, "ERR_TIMEOUT", SeverityModerate, true,
		fmt.Sprintf("deadline exceeded after %.3fs", seconds))
}

func ExchangeAPI(cause error) *Error {
	e := newError(KindExchangeAPI, "ERR_EXCHANGE_API", SeverityModerate, true, "exchange returned an error")
	e.Cause = cause
	return e
}

// As reports whether err is a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
