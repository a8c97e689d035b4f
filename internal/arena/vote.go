package arena

import (
	"context"
	"time"

	"modelarena/internal/logging"
)

// VoteResult is what the transport layer returns to the voter. Labels
// only; real model ids stay server-side until reveal, and even then the
// transport decides what to expose.
type VoteResult struct {
	Battle    *BattleSession
	Duplicate bool

	// EliminatedLabels are the labels knocked out by this vote, in
	// elimination order. Empty on a duplicate.
	EliminatedLabels []string

	// NextReady is set when the next matchup was served from prefetch:
	// the result already carries its full texts and no further
	// streaming round-trip is needed.
	NextReady bool
}

// VoteProcessor validates and applies votes. Every application is one
// compare-and-set mutation covering elimination, vote log, reveal, and
// round advance, so two racing submissions can never both eliminate.
type VoteProcessor struct {
	store Store
	ctrl  *Controller
}

// NewVoteProcessor wires the processor over the store and controller.
func NewVoteProcessor(st Store, ctrl *Controller) *VoteProcessor {
	return &VoteProcessor{store: st, ctrl: ctrl}
}

// SubmitVote applies a vote for the battle's current round.
//
// Policy, where the upstream behavior was a judgment call:
//   - tie: the lower-latency side advances (side a on exact latency
//     equality); the vote is logged as "tie" for audit.
//   - bad: both sides are eliminated and neither enters the winner
//     chain; the battle continues with two fresh challengers when at
//     least two remain, otherwise it finalizes.
//
// round pins the vote to the round it judges, and is mandatory: an
// unpinned vote is indistinguishable from a retry after the battle has
// advanced (a prefetched next round is READY_FOR_VOTE immediately), and
// would eliminate a model the user never saw. Re-submitting a vote for
// an already-voted round is idempotent: the post-vote state is returned
// unchanged, never a second elimination.
func (p *VoteProcessor) SubmitVote(ctx context.Context, battleID string, choice Choice, round int) (*VoteResult, error) {
	switch choice {
	case ChoiceA, ChoiceB, ChoiceTie, ChoiceBad:
	default:
		return nil, ErrInvalidChoice
	}
	if round < 1 {
		return nil, ErrInvalidRound
	}

	res := &VoteResult{}

	b, err := mutate(ctx, p.store, battleID, func(b *BattleSession) error {
		// The closure may run more than once on CAS contention; result
		// fields must be rebuilt from scratch each attempt.
		res.Duplicate = false
		res.EliminatedLabels = nil

		if round < b.Round || b.VotedInRound(round) {
			// DuplicateVote is not an error: hand back the computed state.
			res.Duplicate = true
			return errNoWrite
		}
		if round > b.Round {
			return ErrNotReadyForVote
		}
		if b.Status == StatusComplete {
			return ErrBattleComplete
		}
		if b.Status != StatusReadyForVote {
			return ErrNotReadyForVote
		}

		winner, losers := decide(b, choice)
		prevRound := b.Round

		b.VoteLog = append(b.VoteLog, VoteRecord{
			Round:     b.Round,
			Choice:    choice,
			Timestamp: time.Now().UTC(),
		})
		b.Current.IdentitiesRevealed = true

		for _, loser := range losers {
			eliminate(b, loser)
			res.EliminatedLabels = append(res.EliminatedLabels, b.Labels[loser])
		}
		if winner != "" {
			b.WinnerChain = append(b.WinnerChain, winner)
		}

		logging.Vote("battle %s round %d: choice=%s winner=%s eliminated=%v",
			battleID, prevRound, choice, winner, losers)

		return p.ctrl.advance(b)
	})
	if err != nil {
		return nil, err
	}

	res.Battle = b
	res.NextReady = b.Status == StatusReadyForVote
	return res, nil
}

// decide maps a choice to the surviving model and the eliminated ones.
func decide(b *BattleSession, choice Choice) (winner string, losers []string) {
	a, bb := b.Current.ModelA, b.Current.ModelB
	switch choice {
	case ChoiceA:
		return a, []string{bb}
	case ChoiceB:
		return bb, []string{a}
	case ChoiceTie:
		// Single-survivor rule holds even for ties; lower latency is
		// the deterministic tiebreak.
		if b.Current.LatencyB < b.Current.LatencyA {
			return bb, []string{a}
		}
		return a, []string{bb}
	case ChoiceBad:
		return "", []string{a, bb}
	}
	return "", nil
}

// eliminate removes a model from the pool and records it, preserving
// pool order and the pool/eliminated disjointness invariant.
func eliminate(b *BattleSession, modelID string) {
	out := b.Pool[:0]
	for _, id := range b.Pool {
		if id != modelID {
			out = append(out, id)
		}
	}
	b.Pool = out
	b.Eliminated = append(b.Eliminated, modelID)
}
