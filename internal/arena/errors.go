package arena

import "errors"

// Engine error taxonomy. Transport maps these to status codes; nothing
// here is retried implicitly except where a function documents it.
var (
	// ErrInvalidPool is returned when a battle is started with fewer
	// than two configured models.
	ErrInvalidPool = errors.New("model pool requires at least two models")

	// ErrInvalidBattle is returned when a battle id is unknown or the
	// record has expired from the shared store.
	ErrInvalidBattle = errors.New("unknown or expired battle")

	// ErrInvalidChoice is returned for a vote choice outside a|b|tie|bad.
	ErrInvalidChoice = errors.New("invalid vote choice")

	// ErrInvalidRound is returned when a vote does not pin the round it
	// targets. An unpinned vote cannot be told apart from a retry once
	// the battle has advanced, so the pin is mandatory.
	ErrInvalidRound = errors.New("vote must pin the round it targets")

	// ErrBattleExists is returned when creating a battle whose id is
	// already present in the store.
	ErrBattleExists = errors.New("battle already exists")

	// ErrBattleComplete is returned when a vote targets a battle that
	// already finished.
	ErrBattleComplete = errors.New("battle already complete")

	// ErrNotReadyForVote is returned when a vote arrives while the
	// matchup is still generating.
	ErrNotReadyForVote = errors.New("matchup not ready for vote")

	// ErrIdenticalResponses flags the data-integrity fault where both
	// sides produced byte-identical non-empty text. Such a matchup must
	// never be surfaced as a fair comparison.
	ErrIdenticalResponses = errors.New("identical responses detected")

	// ErrSideFailed is returned when a side produced no content and its
	// error flag is set after retry; the matchup cannot reach
	// READY_FOR_VOTE in that state.
	ErrSideFailed = errors.New("backend side failed to produce content")

	// ErrStaleWrite is the compare-and-set miss on the shared record.
	// Mutators retry it with a fresh read.
	ErrStaleWrite = errors.New("stale write: record version moved")

	// ErrConflictRetryExceeded is surfaced after the bounded CAS retry
	// loop exhausts without applying the mutation.
	ErrConflictRetryExceeded = errors.New("conflict retries exceeded")

	// ErrBackendTimeout marks a generation that exceeded its ceiling.
	ErrBackendTimeout = errors.New("backend generation timed out")
)
