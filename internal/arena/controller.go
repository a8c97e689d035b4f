package arena

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"modelarena/internal/logging"
	"modelarena/internal/registry"
)

// ModelSource is what the controller needs from the model registry:
// the configured pool order plus backend resolution.
type ModelSource interface {
	BackendResolver
	Pool() []string
}

// Challenger selection policies.
const (
	PolicyOrdered = "ordered"
	PolicyRandom  = "random"
)

// ControllerConfig tunes the tournament state machine.
type ControllerConfig struct {
	MaxRounds        int
	ChallengerPolicy string // ordered | random
	PrefetchEnabled  bool
}

// DefaultControllerConfig returns the observed production values.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MaxRounds:        3,
		ChallengerPolicy: PolicyOrdered,
		PrefetchEnabled:  true,
	}
}

// Controller owns the battle state machine: round progression, label
// continuity, challenger selection, and termination. All state lives in
// the shared store; the controller itself is stateless and any instance
// can drive any battle.
type Controller struct {
	store      Store
	models     ModelSource
	dispatcher *Dispatcher
	cfg        ControllerConfig
}

// NewController wires a controller over the store, registry, and
// dispatcher.
func NewController(st Store, models ModelSource, d *Dispatcher, cfg ControllerConfig) *Controller {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.ChallengerPolicy == "" {
		cfg.ChallengerPolicy = PolicyOrdered
	}
	return &Controller{store: st, models: models, dispatcher: d, cfg: cfg}
}

// SetChallengerPolicy swaps the selection policy at runtime (config
// hot-reload path). Only affects battles advancing after the change.
func (c *Controller) SetChallengerPolicy(policy string) {
	if policy == PolicyOrdered || policy == PolicyRandom {
		c.cfg.ChallengerPolicy = policy
	}
}

// StartBattle creates a new battle for the session and prompt, seeds
// the initial matchup from the first two pool models, and writes the
// record to the shared store before returning. Generation is driven by
// the first stream consumer.
func (c *Controller) StartBattle(ctx context.Context, sessionID, prompt string) (*BattleSession, error) {
	pool := c.models.Pool()
	if len(pool) < 2 {
		return nil, ErrInvalidPool
	}

	b := &BattleSession{
		BattleID:  uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Round:     1,
		MaxRounds: c.cfg.MaxRounds,
		Pool:      append([]string(nil), pool...),
		Labels:    make(map[string]string, len(pool)),
		Status:    StatusGenerating,
		Current: Matchup{
			ModelA: pool[0],
			ModelB: pool[1],
		},
		LastUpdated: time.Now().UTC(),
	}
	for _, id := range []string{pool[0], pool[1]} {
		label, err := registry.NextLabel(b.Labels)
		if err != nil {
			return nil, err
		}
		b.Labels[id] = label
	}

	if err := c.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create battle record: %w", err)
	}
	logging.Battle("battle %s started: round 1, %s vs %s", b.BattleID, pool[0], pool[1])
	return b, nil
}

// GetBattle returns the current snapshot of a battle.
func (c *Controller) GetBattle(ctx context.Context, battleID string) (*BattleSession, error) {
	b, _, err := c.store.Get(ctx, battleID)
	return b, err
}

// nextChallenger returns the first model that has not yet appeared in
// this battle, per the configured policy. Empty string when none
// remain. Random selection is derived from battle id and round so every
// instance (and the prefetch path) draws the same challenger.
func (c *Controller) nextChallenger(b *BattleSession) string {
	var unused []string
	for _, id := range b.Pool {
		if _, appeared := b.Labels[id]; !appeared {
			unused = append(unused, id)
		}
	}
	if len(unused) == 0 {
		return ""
	}
	if c.cfg.ChallengerPolicy == PolicyRandom {
		h := fnv.New64a()
		fmt.Fprintf(h, "%s/%d", b.BattleID, b.Round)
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		return unused[rng.Intn(len(unused))]
	}
	return unused[0]
}

// advance moves the battle to the next round after an elimination:
// draws the challenger, assigns its label, and either activates a valid
// prefetched matchup or leaves the round GENERATING. When no challenger
// remains or the round budget is spent, the battle finalizes instead.
// winner is the surviving model; empty for the both-bad path.
func (c *Controller) advance(b *BattleSession) error {
	survivor := winnerOf(b)

	if b.Round >= b.MaxRounds {
		c.finalize(b)
		return nil
	}

	var modelA, modelB string
	if survivor != "" {
		challenger := c.nextChallenger(b)
		if challenger == "" {
			c.finalize(b)
			return nil
		}
		if err := c.assignLabel(b, challenger); err != nil {
			return err
		}
		modelA, modelB = survivor, challenger
	} else {
		// Both sides were rejected: a fresh matchup needs two unused
		// challengers.
		first := c.nextChallenger(b)
		if first == "" {
			c.finalize(b)
			return nil
		}
		if err := c.assignLabel(b, first); err != nil {
			return err
		}
		second := c.nextChallenger(b)
		if second == "" {
			// Only one candidate left; nothing to compare it against.
			c.finalize(b)
			return nil
		}
		if err := c.assignLabel(b, second); err != nil {
			return err
		}
		modelA, modelB = first, second
	}

	b.Round++
	b.Status = StatusGenerating
	b.Current = Matchup{ModelA: modelA, ModelB: modelB}

	if entry, ok := b.Prefetch[survivor]; ok && survivor != "" {
		if c.prefetchUsable(entry, b.Round, modelA, modelB) {
			b.Current = entry.Matchup
			b.Current.IdentitiesRevealed = false
			b.Status = StatusReadyForVote
			logging.Battle("battle %s: round %d served from prefetch", b.BattleID, b.Round)
		} else {
			logging.BattleDebug("battle %s: prefetch for %s unusable, regenerating", b.BattleID, survivor)
		}
	}
	b.Prefetch = nil

	logging.Battle("battle %s advanced to round %d: %s vs %s (status %s)",
		b.BattleID, b.Round, modelA, modelB, b.Status)
	return nil
}

// prefetchUsable validates a speculative matchup before activation: it
// must target this round and pair, carry no failed side, and pass the
// non-identical-responses check. Anything less is discarded.
func (c *Controller) prefetchUsable(entry PrefetchEntry, round int, modelA, modelB string) bool {
	m := entry.Matchup
	if entry.Round != round {
		return false
	}
	if m.ModelA != modelA || m.ModelB != modelB {
		return false
	}
	if m.TextA == "" || m.TextB == "" {
		return false
	}
	if err := ValidateMatchup(m); err != nil {
		logging.BattleError("battle prefetch rejected: %v", err)
		return false
	}
	return true
}

func (c *Controller) assignLabel(b *BattleSession, modelID string) error {
	if _, ok := b.Labels[modelID]; ok {
		return fmt.Errorf("model %s already labelled", modelID)
	}
	label, err := registry.NextLabel(b.Labels)
	if err != nil {
		return err
	}
	b.Labels[modelID] = label
	return nil
}

// winnerOf returns the winner of the round just concluded, or "" if the
// round produced none (both-bad).
func winnerOf(b *BattleSession) string {
	if len(b.VoteLog) == 0 {
		return ""
	}
	last := b.VoteLog[len(b.VoteLog)-1]
	if last.Choice == ChoiceBad {
		return ""
	}
	if len(b.WinnerChain) == 0 {
		return ""
	}
	return b.WinnerChain[len(b.WinnerChain)-1]
}

// finalize computes the final ranking and completes the battle. Ranking
// is the last survivor first, then remaining unused models in pool
// order, then eliminated models most-recent-first.
func (c *Controller) finalize(b *BattleSession) {
	b.Status = StatusFinalizing

	survivor := winnerOf(b)
	ranking := make([]string, 0, len(b.Pool)+len(b.Eliminated))
	if survivor != "" {
		ranking = append(ranking, survivor)
	}
	for _, id := range b.Pool {
		if id != survivor {
			ranking = append(ranking, id)
		}
	}
	for i := len(b.Eliminated) - 1; i >= 0; i-- {
		ranking = append(ranking, b.Eliminated[i])
	}
	b.FinalRanking = ranking
	b.Status = StatusComplete

	logging.Battle("battle %s complete after round %d, ranking %v", b.BattleID, b.Round, ranking)
}

// AdvanceRound advances a battle whose current round has concluded.
// Normally the vote processor advances in the same mutation as the
// elimination; this entry point exists for recovery tooling.
func (c *Controller) AdvanceRound(ctx context.Context, battleID string) (*BattleSession, error) {
	return mutate(ctx, c.store, battleID, func(b *BattleSession) error {
		if b.Status == StatusComplete {
			return ErrBattleComplete
		}
		if !b.VotedInRound(b.Round) {
			return fmt.Errorf("round %d has no vote yet", b.Round)
		}
		return c.advance(b)
	})
}

// StreamBattle drives generation for the battle's current matchup and
// emits frames into mux. If another instance already completed the
// round, the stored texts are served instead of regenerating. The final
// snapshot frame always carries the full texts. mux.Finish is left to
// the caller so transport owns stream termination.
func (c *Controller) StreamBattle(ctx context.Context, battleID string, mux *Multiplexer) error {
	b, _, err := c.store.Get(ctx, battleID)
	if err != nil {
		return err
	}

	mux.Emit(ctx, Frame{
		Event:       FrameMatchupReady,
		Round:       b.Round,
		ModelALabel: b.Labels[b.Current.ModelA],
		ModelBLabel: b.Labels[b.Current.ModelB],
	})

	switch b.Status {
	case StatusReadyForVote, StatusComplete:
		// Texts already settled (prefetch activation or a concurrent
		// generation); nothing to generate.
	case StatusGenerating, StatusInitialized:
		b, err = c.generateCurrent(ctx, battleID, b, mux)
		if err != nil {
			mux.Emit(ctx, Frame{Event: FrameError, Round: b.Round, Message: "generation failed, regenerate to retry"})
			return err
		}
	default:
		return fmt.Errorf("battle %s in unexpected status %s", battleID, b.Status)
	}

	mux.Emit(ctx, Frame{
		Event: FrameSnapshot,
		Round: b.Round,
		TextA: b.Current.TextA,
		TextB: b.Current.TextB,
	})
	mux.Emit(ctx, Frame{Event: FrameRoundComplete, Round: b.Round})

	if c.cfg.PrefetchEnabled && b.Status == StatusReadyForVote {
		// Speculative next-round work survives consumer disconnects.
		go c.PrefetchNext(context.WithoutCancel(ctx), battleID)
	}
	return nil
}

// generateCurrent runs the dispatcher for the current matchup and
// commits the result. A concurrent completion by another instance wins:
// the CAS closure detects the round already settled and keeps the
// stored texts. Partial text from a failed generation is retained on
// the record; status stays GENERATING for a later retry.
func (c *Controller) generateCurrent(ctx context.Context, battleID string, b *BattleSession, mux *Multiplexer) (*BattleSession, error) {
	round := b.Round
	m, genErr := c.dispatcher.GenerateValidated(ctx, b.Prompt, b.Current.ModelA, b.Current.ModelB, mux)

	// The write-back must survive a consumer disconnect: partial text
	// is retained on the record even when the stream died mid-round.
	updated, err := mutate(context.WithoutCancel(ctx), c.store, battleID, func(cur *BattleSession) error {
		if cur.Round != round || cur.Status != StatusGenerating {
			// Another instance finished this round first.
			return errNoWrite
		}
		// Never clobber previously retained text with an empty result
		// from an aborted attempt.
		if m.TextA != "" {
			cur.Current.TextA = m.TextA
		}
		if m.TextB != "" {
			cur.Current.TextB = m.TextB
		}
		cur.Current.LatencyA = m.LatencyA
		cur.Current.LatencyB = m.LatencyB
		cur.Current.ErrorA = m.ErrorA
		cur.Current.ErrorB = m.ErrorB
		if genErr == nil {
			cur.Status = StatusReadyForVote
		}
		return nil
	})
	if err != nil {
		return b, err
	}
	if genErr != nil {
		return updated, genErr
	}
	return updated, nil
}

// PrefetchNext speculatively generates the next round's matchup for
// both possible winners of the current one, storing results in the
// record's prefetch slots. Best-effort: any failure just means the next
// round generates synchronously.
func (c *Controller) PrefetchNext(ctx context.Context, battleID string) {
	b, _, err := c.store.Get(ctx, battleID)
	if err != nil {
		return
	}
	if b.Status != StatusReadyForVote || b.Round >= b.MaxRounds {
		return
	}
	challenger := c.nextChallenger(b)
	if challenger == "" {
		return
	}

	nextRound := b.Round + 1
	for _, winner := range []string{b.Current.ModelA, b.Current.ModelB} {
		m, genErr := c.dispatcher.GenerateMatchup(ctx, b.Prompt, winner, challenger, nil)
		if genErr != nil || ValidateMatchup(m) != nil {
			logging.DispatchDebug("battle %s: prefetch for winner %s discarded", battleID, winner)
			continue
		}
		entry := PrefetchEntry{Matchup: m, Round: nextRound}

		_, err := mutate(ctx, c.store, battleID, func(cur *BattleSession) error {
			if cur.Round != b.Round || cur.Status != StatusReadyForVote {
				return errNoWrite
			}
			if cur.Prefetch == nil {
				cur.Prefetch = make(map[string]PrefetchEntry, 2)
			}
			cur.Prefetch[winner] = entry
			return nil
		})
		if err != nil && !errors.Is(err, ErrInvalidBattle) {
			logging.DispatchDebug("battle %s: prefetch store failed: %v", battleID, err)
		}
	}
}
