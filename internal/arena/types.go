// Package arena implements the progressive-elimination battle engine:
// the tournament state machine, the vote processor, and the dispatcher
// that drives concurrent model generation. All battle state lives in the
// shared store; nothing in this package holds per-battle state in memory.
package arena

import (
	"time"
)

// Status is the lifecycle phase of a battle.
type Status string

const (
	StatusInitialized  Status = "INITIALIZED"
	StatusGenerating   Status = "GENERATING"
	StatusReadyForVote Status = "READY_FOR_VOTE"
	StatusFinalizing   Status = "FINALIZING"
	StatusComplete     Status = "COMPLETE"
)

// Choice is a vote submitted against the current matchup.
type Choice string

const (
	ChoiceA   Choice = "a"
	ChoiceB   Choice = "b"
	ChoiceTie Choice = "tie"
	ChoiceBad Choice = "bad"
)

// Side identifies one half of a matchup in stream frames and error flags.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Matchup is the pair of models currently under comparison.
// ModelA/ModelB are real backend ids and must never reach the client
// before IdentitiesRevealed is set.
type Matchup struct {
	ModelA string `json:"model_a"`
	ModelB string `json:"model_b"`

	TextA string `json:"text_a"`
	TextB string `json:"text_b"`

	LatencyA time.Duration `json:"latency_a"`
	LatencyB time.Duration `json:"latency_b"`

	ErrorA bool `json:"error_a,omitempty"`
	ErrorB bool `json:"error_b,omitempty"`

	IdentitiesRevealed bool `json:"identities_revealed"`
}

// VoteRecord is one applied vote. The log is append-only and is the
// idempotency key: one entry per round, ever.
type VoteRecord struct {
	Round     int       `json:"round"`
	Choice    Choice    `json:"choice"`
	Timestamp time.Time `json:"timestamp"`
}

// PrefetchEntry holds a speculatively generated matchup for one
// hypothesized winner of the current round. It is activated only after
// validation; a failed validation discards it.
type PrefetchEntry struct {
	Matchup Matchup `json:"matchup"`
	Round   int     `json:"round"`
}

// BattleSession is the unit of shared state, one record per battle id.
// It is mutated exclusively through the store's compare-and-set path;
// instances never cache it.
type BattleSession struct {
	BattleID  string `json:"battle_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`

	Round     int `json:"round"`
	MaxRounds int `json:"max_rounds"`

	// Pool is the ordered set of model ids still in contention.
	// A model id appears at most once across Pool and Eliminated.
	Pool       []string `json:"pool"`
	Eliminated []string `json:"eliminated"`

	// Labels maps model id to its display letter, assigned on first
	// appearance and immutable for the life of the battle.
	Labels map[string]string `json:"labels"`

	Current Matchup `json:"current_matchup"`

	// WinnerChain records the winner of each concluded round in order.
	WinnerChain []string `json:"winner_chain"`

	Status  Status       `json:"status"`
	VoteLog []VoteRecord `json:"vote_log"`

	// Prefetch holds next-matchup candidates keyed by hypothesized
	// winner model id. Cleared on activation or round advance.
	Prefetch map[string]PrefetchEntry `json:"prefetch,omitempty"`

	// FinalRanking is populated once Status is COMPLETE: last survivor
	// first, then eliminated models most-recent-first.
	FinalRanking []string `json:"final_ranking,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// LabelFor returns the display label bound to a model id, or "" if the
// model has not appeared in this battle.
func (b *BattleSession) LabelFor(modelID string) string {
	return b.Labels[modelID]
}

// VotedInRound reports whether a vote has already been applied for the
// given round.
func (b *BattleSession) VotedInRound(round int) bool {
	for _, v := range b.VoteLog {
		if v.Round == round {
			return true
		}
	}
	return false
}

// RemainingLabels returns the labels of models still in the pool, in
// pool order.
func (b *BattleSession) RemainingLabels() []string {
	out := make([]string, 0, len(b.Pool))
	for _, id := range b.Pool {
		out = append(out, b.Labels[id])
	}
	return out
}

// WinnerChainLabels returns the winner chain translated to labels.
func (b *BattleSession) WinnerChainLabels() []string {
	out := make([]string, 0, len(b.WinnerChain))
	for _, id := range b.WinnerChain {
		out = append(out, b.Labels[id])
	}
	return out
}

// Clone returns a deep copy. Store adapters hand out clones so callers
// can never mutate a record without going through compare-and-set.
func (b *BattleSession) Clone() *BattleSession {
	c := *b
	c.Pool = append([]string(nil), b.Pool...)
	c.Eliminated = append([]string(nil), b.Eliminated...)
	c.WinnerChain = append([]string(nil), b.WinnerChain...)
	c.VoteLog = append([]VoteRecord(nil), b.VoteLog...)
	if b.Labels != nil {
		c.Labels = make(map[string]string, len(b.Labels))
		for k, v := range b.Labels {
			c.Labels[k] = v
		}
	}
	if b.Prefetch != nil {
		c.Prefetch = make(map[string]PrefetchEntry, len(b.Prefetch))
		for k, v := range b.Prefetch {
			c.Prefetch[k] = v
		}
	}
	if b.FinalRanking != nil {
		c.FinalRanking = append([]string(nil), b.FinalRanking...)
	}
	return &c
}
