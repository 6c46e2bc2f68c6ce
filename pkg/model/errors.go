package model

import "errors"

// Protocol error taxonomy. Ledger-mutating operations are all-or-nothing:
// any error below means no state changed and no funds moved.
var (
	// ErrMalformedInput rejects bad sizes or parameters before any state change.
	ErrMalformedInput = errors.New("malformed input")

	// ErrProofInvalid means a proof recomputed to the wrong root or salt.
	ErrProofInvalid = errors.New("proof invalid")

	// ErrMalformedProof means the proof shape disagrees with the tree depth.
	ErrMalformedProof = errors.New("malformed proof")

	// ErrInsufficientShards means fewer than the data shard count survive.
	ErrInsufficientShards = errors.New("insufficient shards")

	// ErrShardCorrupt means a shard's hash does not match its commitment.
	ErrShardCorrupt = errors.New("shard corrupt")

	// ErrEndowmentMismatch rejects deal payment not equal to the computed endowment.
	ErrEndowmentMismatch = errors.New("endowment mismatch")

	// ErrEpochAlreadySettled rejects a second payout claim for the same epoch.
	ErrEpochAlreadySettled = errors.New("epoch already settled")

	// ErrRepairProofInvalid rejects a repair submission; the task stays open.
	ErrRepairProofInvalid = errors.New("repair proof invalid")

	// ErrSlashTimeout means a seal challenge went unanswered past its deadline.
	ErrSlashTimeout = errors.New("challenge response timed out")

	// ErrAccessDenied means the access policy for a root excludes the caller.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound means no record exists for the given key.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds means an account cannot cover a transfer or lock.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// IsRetryable reports whether a caller (typically the proof scheduler) should
// retry the operation later. Verification and economic-invariant failures are
// terminal; only transient data-layer conditions are worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrSlashTimeout)
}
