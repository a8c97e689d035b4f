package arena_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelarena/internal/arena"
	"modelarena/internal/backend"
	"modelarena/internal/registry"
	"modelarena/internal/store"
)

type harness struct {
	ctrl  *arena.Controller
	votes *arena.VoteProcessor
	store arena.Store
}

func fourModels() []registry.Model {
	return []registry.Model{
		{ID: "m1", Backend: backend.NewMockBackend("m1", "alpha")},
		{ID: "m2", Backend: backend.NewMockBackend("m2", "bravo")},
		{ID: "m3", Backend: backend.NewMockBackend("m3", "charlie")},
		{ID: "m4", Backend: backend.NewMockBackend("m4", "delta")},
	}
}

func newHarnessOn(t *testing.T, st arena.Store, prefetch bool, models ...registry.Model) *harness {
	t.Helper()
	reg, err := registry.New(models...)
	require.NoError(t, err)
	d := arena.NewDispatcher(reg, arena.DispatcherConfig{
		GenTimeout:    time.Second,
		RetryBackoff:  time.Millisecond,
		MaxConcurrent: 8,
	})
	ctrl := arena.NewController(st, reg, d, arena.ControllerConfig{
		MaxRounds:        3,
		ChallengerPolicy: arena.PolicyOrdered,
		PrefetchEnabled:  prefetch,
	})
	return &harness{ctrl: ctrl, votes: arena.NewVoteProcessor(st, ctrl), store: st}
}

func newHarness(t *testing.T, models ...registry.Model) *harness {
	return newHarnessOn(t, store.NewMemoryStore(time.Minute), false, models...)
}

// runRound drives generation for the current matchup to READY_FOR_VOTE,
// the way a stream consumer would.
func (h *harness) runRound(t *testing.T, battleID string) {
	t.Helper()
	mux := arena.NewMultiplexer()
	err := h.ctrl.StreamBattle(context.Background(), battleID, mux)
	mux.Finish()
	for range mux.Frames() {
	}
	require.NoError(t, err)
}

func TestStartBattleInitialMatchup(t *testing.T) {
	h := newHarness(t, fourModels()...)

	b, err := h.ctrl.StartBattle(context.Background(), "sess-1", "compare these")
	require.NoError(t, err)

	assert.Equal(t, 1, b.Round)
	assert.Equal(t, arena.StatusGenerating, b.Status)
	assert.Equal(t, "m1", b.Current.ModelA)
	assert.Equal(t, "m2", b.Current.ModelB)
	assert.Equal(t, "A", b.Labels["m1"])
	assert.Equal(t, "B", b.Labels["m2"])
	assert.Len(t, b.Pool, 4)
	assert.False(t, b.Current.IdentitiesRevealed)
}

func TestStartBattleRequiresTwoModels(t *testing.T) {
	h := newHarness(t, fourModels()[:1]...)

	_, err := h.ctrl.StartBattle(context.Background(), "sess-1", "p")
	assert.ErrorIs(t, err, arena.ErrInvalidPool)
}

// The end-to-end ladder from a four-model pool: vote a, vote b, vote a.
// Checks label continuity, winner chain, pool disjointness, the final
// ranking, and idempotent re-submission along the way.
func TestFullTournament(t *testing.T) {
	h := newHarness(t, fourModels()...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "best answer?")
	require.NoError(t, err)
	id := b.BattleID
	h.runRound(t, id)

	// Round 1: a wins, m2 out.
	res, err := h.votes.SubmitVote(ctx, id, arena.ChoiceA, 1)
	require.NoError(t, err)
	b = res.Battle
	assert.Equal(t, []string{"B"}, res.EliminatedLabels)
	assert.Equal(t, []string{"m1"}, b.WinnerChain)
	assert.Equal(t, 2, b.Round)
	assert.Equal(t, "m1", b.Current.ModelA)
	assert.Equal(t, "m3", b.Current.ModelB)
	assert.Equal(t, "A", b.Labels["m1"]) // winner keeps its label
	assert.Equal(t, "C", b.Labels["m3"]) // challenger gets the next letter
	assert.NotContains(t, b.Pool, "m2")
	assert.Contains(t, b.Eliminated, "m2")

	h.runRound(t, id)

	// Round 2: b wins, m1 out. The survivor m3 moves to seat a in
	// round 3 but keeps label C.
	res, err = h.votes.SubmitVote(ctx, id, arena.ChoiceB, 2)
	require.NoError(t, err)
	b = res.Battle
	assert.Equal(t, []string{"m1", "m3"}, b.WinnerChain)
	assert.Equal(t, 3, b.Round)
	assert.Equal(t, "m3", b.Current.ModelA)
	assert.Equal(t, "m4", b.Current.ModelB)
	assert.Equal(t, "C", b.Labels["m3"])
	assert.Equal(t, "D", b.Labels["m4"])

	h.runRound(t, id)

	// Round 3 (final): a wins, tournament completes.
	res, err = h.votes.SubmitVote(ctx, id, arena.ChoiceA, 3)
	require.NoError(t, err)
	b = res.Battle
	assert.Equal(t, arena.StatusComplete, b.Status)
	assert.Equal(t, []string{"m3", "m4", "m1", "m2"}, b.FinalRanking)
	assert.Equal(t, []string{"m1", "m3", "m3"}, b.WinnerChain)

	// Pool and eliminated stay disjoint throughout; spot-check the end.
	for _, id := range b.Pool {
		assert.NotContains(t, b.Eliminated, id)
	}

	// Re-submitting round 2's vote after it applied returns the
	// already-computed state, not a second elimination.
	dup, err := h.votes.SubmitVote(ctx, id, arena.ChoiceB, 2)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Empty(t, dup.EliminatedLabels)
	assert.Equal(t, b.FinalRanking, dup.Battle.FinalRanking)
	assert.Len(t, dup.Battle.Eliminated, 3)
}

func TestDuplicateVoteReturnsIdenticalSnapshot(t *testing.T) {
	h := newHarness(t, fourModels()...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	h.runRound(t, b.BattleID)

	first, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	second, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	if diff := cmp.Diff(first.Battle, second.Battle); diff != "" {
		t.Errorf("duplicate vote changed the battle snapshot (-first +second):\n%s", diff)
	}
}

func TestVoteWhileGeneratingRejected(t *testing.T) {
	h := newHarness(t, fourModels()...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)

	_, err = h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	assert.ErrorIs(t, err, arena.ErrNotReadyForVote)
}

func TestVoteInvalidChoice(t *testing.T) {
	h := newHarness(t, fourModels()...)
	_, err := h.votes.SubmitVote(context.Background(), "any", arena.Choice("maybe"), 1)
	assert.ErrorIs(t, err, arena.ErrInvalidChoice)
}

func TestVoteUnknownBattle(t *testing.T) {
	h := newHarness(t, fourModels()...)
	_, err := h.votes.SubmitVote(context.Background(), "ghost", arena.ChoiceA, 1)
	assert.ErrorIs(t, err, arena.ErrInvalidBattle)
}

// An unpinned vote is rejected outright. With the next round prefetched
// and READY_FOR_VOTE the instant a vote lands, a retried request that
// defaulted to "current round" would eliminate a model the user never
// judged.
func TestVoteWithoutRoundPinRejected(t *testing.T) {
	h := newHarness(t, fourModels()...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	h.runRound(t, b.BattleID)
	h.ctrl.PrefetchNext(ctx, b.BattleID)

	res, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	require.True(t, res.NextReady)
	require.Equal(t, arena.StatusReadyForVote, res.Battle.Status)

	// The double-click: same request again, no round pin.
	_, err = h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 0)
	assert.ErrorIs(t, err, arena.ErrInvalidRound)

	// And pinned to round 1 it is a duplicate, never a fresh vote on
	// the prefetched round.
	dup, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Len(t, dup.Battle.Eliminated, 1)
	assert.Equal(t, 2, dup.Battle.Round)
}

// staleOnceStore makes the first Update miss its compare-and-set so the
// mutation closure runs twice.
type staleOnceStore struct {
	arena.Store
	tripped bool
}

func (s *staleOnceStore) Update(ctx context.Context, b *arena.BattleSession, version uint64) error {
	if !s.tripped {
		s.tripped = true
		return arena.ErrStaleWrite
	}
	return s.Store.Update(ctx, b, version)
}

func TestVoteRetriedOnContentionEmitsLabelsOnce(t *testing.T) {
	st := &staleOnceStore{Store: store.NewMemoryStore(time.Minute)}
	h := newHarnessOn(t, st, false, fourModels()...)
	craftedBattle(t, h.store, time.Second, time.Second)

	res, err := h.votes.SubmitVote(context.Background(), "crafted-1", arena.ChoiceA, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.EliminatedLabels)
	require.Len(t, res.Battle.VoteLog, 1)
	assert.False(t, res.Duplicate)
}

// A side that fails after retry must not wipe text retained from an
// earlier attempt, and the matchup stays GENERATING.
func TestFailedGenerationKeepsRetainedText(t *testing.T) {
	dead := backend.NewMockBackend("m1")
	dead.Err = errors.New("backend down")
	h := newHarness(t,
		registry.Model{ID: "m1", Backend: dead},
		registry.Model{ID: "m2", Backend: backend.NewMockBackend("m2", "bravo")},
	)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)

	// Text from an earlier partial attempt sits on the record.
	got, v, err := h.store.Get(ctx, b.BattleID)
	require.NoError(t, err)
	got.Current.TextA = "partial kept"
	require.NoError(t, h.store.Update(ctx, got, v))

	mux := arena.NewMultiplexer()
	streamErr := h.ctrl.StreamBattle(ctx, b.BattleID, mux)
	mux.Finish()
	for range mux.Frames() {
	}
	require.ErrorIs(t, streamErr, arena.ErrSideFailed)

	got, _, err = h.store.Get(ctx, b.BattleID)
	require.NoError(t, err)
	assert.Equal(t, "partial kept", got.Current.TextA)
	assert.Equal(t, "bravo", got.Current.TextB)
	assert.True(t, got.Current.ErrorA)
	assert.Equal(t, arena.StatusGenerating, got.Status)

	_, err = h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	assert.ErrorIs(t, err, arena.ErrNotReadyForVote)
}

// craftedBattle writes a READY_FOR_VOTE record directly so latency and
// text fields are exactly controlled.
func craftedBattle(t *testing.T, st arena.Store, latA, latB time.Duration) *arena.BattleSession {
	t.Helper()
	b := &arena.BattleSession{
		BattleID:  "crafted-1",
		SessionID: "sess-1",
		Prompt:    "p",
		Round:     1,
		MaxRounds: 3,
		Pool:      []string{"m1", "m2", "m3", "m4"},
		Labels:    map[string]string{"m1": "A", "m2": "B"},
		Status:    arena.StatusReadyForVote,
		Current: arena.Matchup{
			ModelA:   "m1",
			ModelB:   "m2",
			TextA:    "alpha",
			TextB:    "bravo",
			LatencyA: latA,
			LatencyB: latB,
		},
		LastUpdated: time.Now(),
	}
	require.NoError(t, st.Create(context.Background(), b))
	return b
}

func TestTieAdvancesLowerLatency(t *testing.T) {
	h := newHarness(t, fourModels()...)
	craftedBattle(t, h.store, 800*time.Millisecond, 200*time.Millisecond)

	res, err := h.votes.SubmitVote(context.Background(), "crafted-1", arena.ChoiceTie, 1)
	require.NoError(t, err)

	b := res.Battle
	// Side b was faster: m2 advances, m1 is out, the vote is still
	// recorded as a tie for audit.
	assert.Equal(t, []string{"m2"}, b.WinnerChain)
	assert.Contains(t, b.Eliminated, "m1")
	require.Len(t, b.VoteLog, 1)
	assert.Equal(t, arena.ChoiceTie, b.VoteLog[0].Choice)
}

func TestTieEqualLatencyPrefersSideA(t *testing.T) {
	h := newHarness(t, fourModels()...)
	craftedBattle(t, h.store, 500*time.Millisecond, 500*time.Millisecond)

	res, err := h.votes.SubmitVote(context.Background(), "crafted-1", arena.ChoiceTie, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, res.Battle.WinnerChain)
}

func TestBadEliminatesBothAndDrawsFreshChallengers(t *testing.T) {
	h := newHarness(t, fourModels()...)
	craftedBattle(t, h.store, time.Second, time.Second)

	res, err := h.votes.SubmitVote(context.Background(), "crafted-1", arena.ChoiceBad, 1)
	require.NoError(t, err)

	b := res.Battle
	assert.ElementsMatch(t, []string{"m1", "m2"}, b.Eliminated)
	assert.Empty(t, b.WinnerChain)
	assert.Equal(t, 2, b.Round)
	assert.Equal(t, "m3", b.Current.ModelA)
	assert.Equal(t, "m4", b.Current.ModelB)
	assert.Equal(t, "C", b.Labels["m3"])
	assert.Equal(t, "D", b.Labels["m4"])
	assert.Equal(t, arena.StatusGenerating, b.Status)
	assert.ElementsMatch(t, []string{"B", "A"}, res.EliminatedLabels)
}

func TestBadFinalizesWithoutChallengers(t *testing.T) {
	h := newHarness(t, fourModels()[:2]...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	h.runRound(t, b.BattleID)

	res, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceBad, 1)
	require.NoError(t, err)
	assert.Equal(t, arena.StatusComplete, res.Battle.Status)
	// No survivor; ranking is elimination order reversed.
	assert.Equal(t, []string{"m2", "m1"}, res.Battle.FinalRanking)
}

func TestTournamentStopsAtMaxRounds(t *testing.T) {
	models := append(fourModels(),
		registry.Model{ID: "m5", Backend: backend.NewMockBackend("m5", "echo")},
		registry.Model{ID: "m6", Backend: backend.NewMockBackend("m6", "foxtrot")},
	)
	h := newHarness(t, models...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	id := b.BattleID

	for round := 1; round <= 3; round++ {
		h.runRound(t, id)
		res, err := h.votes.SubmitVote(ctx, id, arena.ChoiceA, round)
		require.NoError(t, err)
		b = res.Battle
	}

	// Three rounds voted; despite unused challengers remaining, the
	// budget ends the tournament.
	assert.Equal(t, arena.StatusComplete, b.Status)
	assert.Len(t, b.VoteLog, 3)
	assert.NotEmpty(t, b.FinalRanking)
}

func TestIdentitiesRevealedOnlyAfterVote(t *testing.T) {
	h := newHarness(t, fourModels()...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	h.runRound(t, b.BattleID)

	got, err := h.ctrl.GetBattle(ctx, b.BattleID)
	require.NoError(t, err)
	assert.False(t, got.Current.IdentitiesRevealed)

	res, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	require.Len(t, res.Battle.VoteLog, 1)
}

// A vote submitted through a second, independent store client against a
// record generated through the first must apply exactly as if both had
// hit the same instance.
func TestCrossInstanceVote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.db")
	st1, err := store.NewSQLiteStore(path, time.Minute)
	require.NoError(t, err)
	defer st1.Close()
	st2, err := store.NewSQLiteStore(path, time.Minute)
	require.NoError(t, err)
	defer st2.Close()

	instanceX := newHarnessOn(t, st1, false, fourModels()...)
	instanceY := newHarnessOn(t, st2, false, fourModels()...)
	ctx := context.Background()

	b, err := instanceX.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	instanceX.runRound(t, b.BattleID)

	res, err := instanceY.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, res.Battle.WinnerChain)

	// Instance X observes the elimination committed by instance Y.
	got, err := instanceX.ctrl.GetBattle(ctx, b.BattleID)
	require.NoError(t, err)
	assert.Contains(t, got.Eliminated, "m2")
	assert.Equal(t, 2, got.Round)

	// And the retried vote through instance X is a duplicate, never a
	// second elimination.
	dup, err := instanceX.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Len(t, dup.Battle.Eliminated, 1)
}

func TestPrefetchServesNextRoundInstantly(t *testing.T) {
	h := newHarness(t, fourModels()...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	h.runRound(t, b.BattleID)

	// Speculative generation for both hypothesized winners.
	h.ctrl.PrefetchNext(ctx, b.BattleID)

	got, err := h.ctrl.GetBattle(ctx, b.BattleID)
	require.NoError(t, err)
	require.Len(t, got.Prefetch, 2)

	res, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)

	b = res.Battle
	assert.True(t, res.NextReady)
	assert.Equal(t, arena.StatusReadyForVote, b.Status)
	assert.Equal(t, 2, b.Round)
	assert.Equal(t, "alpha", b.Current.TextA)
	assert.Equal(t, "charlie", b.Current.TextB)
	assert.False(t, b.Current.IdentitiesRevealed)
	assert.Empty(t, b.Prefetch)
}

func TestPrefetchWithIdenticalTextsDiscarded(t *testing.T) {
	// m3 echoes m1's text: the prefetched (m1 vs m3) matchup violates
	// the non-identical invariant and must never be activated.
	models := []registry.Model{
		{ID: "m1", Backend: backend.NewMockBackend("m1", "alpha")},
		{ID: "m2", Backend: backend.NewMockBackend("m2", "bravo")},
		{ID: "m3", Backend: backend.NewMockBackend("m3", "alpha")},
	}
	h := newHarness(t, models...)
	ctx := context.Background()

	b, err := h.ctrl.StartBattle(ctx, "sess-1", "p")
	require.NoError(t, err)
	h.runRound(t, b.BattleID)

	h.ctrl.PrefetchNext(ctx, b.BattleID)

	got, err := h.ctrl.GetBattle(ctx, b.BattleID)
	require.NoError(t, err)
	_, m1Slot := got.Prefetch["m1"]
	assert.False(t, m1Slot, "identical prefetch must be discarded")

	// Voting for m1 falls back to synchronous generation.
	res, err := h.votes.SubmitVote(ctx, b.BattleID, arena.ChoiceA, 1)
	require.NoError(t, err)
	assert.False(t, res.NextReady)
	assert.Equal(t, arena.StatusGenerating, res.Battle.Status)
}
