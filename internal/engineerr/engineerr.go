// Package engineerr defines the sentinel error taxonomy the engine
// uses: errors are classified by how they are handled, not by a deep
// type hierarchy. Call sites wrap one of these with %w so a caller can
// classify a failure with errors.Is instead of re-deriving the taxonomy
// from string matching. The Cycle Scheduler does not inspect these
// sentinels; it logs and counts every job error alike. String classification is kept
// only where no better signal exists: classifying a real broker's
// error text for the bounded-retry gate in internal/broker.
package engineerr

import "errors"

// Sentinel errors, one per handling category.
var (
	// ErrBenignRejection covers broker rejections that require no
	// retry and no alarm: market closed, after-hours.
	ErrBenignRejection = errors.New("engineerr: benign broker rejection")

	// ErrTransient covers timeouts and 5xx responses that exhausted
	// the gateway's bounded retry.
	ErrTransient = errors.New("engineerr: transient infrastructure failure")

	// ErrStructural covers invariant failures: missing legs after
	// grace, strike mismatch, invalid width. The owning trade moves to
	// INVALID_STRUCTURE; no exit is attempted.
	ErrStructural = errors.New("engineerr: structural invariant failure")

	// ErrExitExhausted covers exit execution failures once every
	// retry in the ladder (multileg, fresh-quantities, single-leg)
	// has been tried. The owning trade moves to EXIT_ERROR.
	ErrExitExhausted = errors.New("engineerr: exit retries exhausted")

	// ErrAmbiguousPnL covers broker-flat reconciliation where no
	// fill history and no gain/loss record exists to reconstruct a
	// price; realized_pnl is left null, never synthesized.
	ErrAmbiguousPnL = errors.New("engineerr: ambiguous realized pnl")

	// ErrProgramming covers invariant violations that should never
	// occur at runtime (missing strategy, invalid enum) and are
	// raised immediately rather than silenced.
	ErrProgramming = errors.New("engineerr: programming error")
)

// Is reports whether err is, or wraps, sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
