// Package xerrors defines the sentinel error kinds the manager
// distinguishes when handling failures, per spec.md §7. Components wrap
// these with fmt.Errorf("...: %w", ErrX) and callers match with
// errors.Is.
package xerrors

import "errors"

var (
	// ErrTransientExternal is a timeout or bad retcode from
	// MarketService. Logged; the ticket is retried next cycle; never
	// unregistered.
	ErrTransientExternal = errors.New("transient external failure")

	// ErrBrokerSchedule is a modification rejected because the trading
	// session is closed. Logged at warning; retried next cycle.
	ErrBrokerSchedule = errors.New("broker schedule closed")

	// ErrInvalidImprovement is a proposed SL that does not improve, or
	// would widen, the current stop. Silent skip at debug level.
	ErrInvalidImprovement = errors.New("proposed modification is not an improvement")

	// ErrDataUnavailable is an unavailable ATR/candle/tick fetch.
	// Logged at warning; fallback chain is attempted.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrPersistenceFailure is a serialization or storage write
	// failure. Logged at error; in-memory state remains authoritative.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrOwnershipConflict is not really an error: another manager owns
	// or has gone defensive on the ticket. Logged at info.
	ErrOwnershipConflict = errors.New("ownership conflict")

	// ErrFatal is an unparseable configuration with no built-in default
	// to fall back to. Should be unreachable given the documented
	// fallbacks; aborts process startup.
	ErrFatal = errors.New("fatal configuration error")
)
