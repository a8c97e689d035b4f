package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"modelarena/internal/arena"
)

type startBattleRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

type startBattleResponse struct {
	BattleID    string `json:"battle_id"`
	Status      string `json:"status"`
	Round       int    `json:"round"`
	ModelALabel string `json:"model_a_label"`
	ModelBLabel string `json:"model_b_label"`
}

type voteRequest struct {
	Choice string `json:"choice"`
	// Round pins the vote to the round it judges. Required: it is the
	// idempotency key that lets a retried request be recognized after
	// the battle has advanced.
	Round int `json:"round"`
}

type voteResponse struct {
	Status            string   `json:"status"` // continue | complete
	Round             int      `json:"round"`
	Duplicate         bool     `json:"duplicate,omitempty"`
	EliminatedLabels  []string `json:"eliminated_model_labels,omitempty"`
	RemainingLabels   []string `json:"remaining_labels"`
	WinnerChainLabels []string `json:"winner_chain_labels,omitempty"`

	// Populated when the next matchup is already prefetched: the
	// client renders these directly, no second stream needed.
	NextReady   bool   `json:"next_ready"`
	ModelALabel string `json:"model_a_label,omitempty"`
	ModelBLabel string `json:"model_b_label,omitempty"`
	TextA       string `json:"text_a,omitempty"`
	TextB       string `json:"text_b,omitempty"`

	// FinalRankingLabels is set on completion, best first.
	FinalRankingLabels []string `json:"final_ranking_labels,omitempty"`
	// FinalRankingModels exposes real ids, identities being revealed
	// by the terminal vote.
	FinalRankingModels []string `json:"final_ranking_models,omitempty"`
}

// battleView is the read snapshot. Real model ids are redacted until
// the record says identities are revealed.
type battleView struct {
	BattleID    string   `json:"battle_id"`
	SessionID   string   `json:"session_id"`
	Status      string   `json:"status"`
	Round       int      `json:"round"`
	MaxRounds   int      `json:"max_rounds"`
	ModelALabel string   `json:"model_a_label"`
	ModelBLabel string   `json:"model_b_label"`
	ModelA      string   `json:"model_a,omitempty"`
	ModelB      string   `json:"model_b,omitempty"`
	TextA       string   `json:"text_a,omitempty"`
	TextB       string   `json:"text_b,omitempty"`
	Remaining   []string `json:"remaining_labels"`
	WinnerChain []string `json:"winner_chain_labels,omitempty"`
	Ranking     []string `json:"final_ranking_labels,omitempty"`
}

func viewOf(b *arena.BattleSession) battleView {
	v := battleView{
		BattleID:    b.BattleID,
		SessionID:   b.SessionID,
		Status:      string(b.Status),
		Round:       b.Round,
		MaxRounds:   b.MaxRounds,
		ModelALabel: b.Labels[b.Current.ModelA],
		ModelBLabel: b.Labels[b.Current.ModelB],
		TextA:       b.Current.TextA,
		TextB:       b.Current.TextB,
		Remaining:   b.RemainingLabels(),
		WinnerChain: b.WinnerChainLabels(),
	}
	if b.Current.IdentitiesRevealed {
		v.ModelA = b.Current.ModelA
		v.ModelB = b.Current.ModelB
	}
	for _, id := range b.FinalRanking {
		v.Ranking = append(v.Ranking, b.Labels[id])
	}
	return v
}

func (s *Server) handleStartBattle(w http.ResponseWriter, r *http.Request) {
	var req startBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}

	b, err := s.ctrl.StartBattle(r.Context(), req.SessionID, req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startBattleResponse{
		BattleID:    b.BattleID,
		Status:      string(b.Status),
		Round:       b.Round,
		ModelALabel: b.Labels[b.Current.ModelA],
		ModelBLabel: b.Labels[b.Current.ModelB],
	})
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.ctrl.GetBattle(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(b))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Round < 1 {
		http.Error(w, "round required", http.StatusBadRequest)
		return
	}

	res, err := s.votes.SubmitVote(r.Context(), id, arena.Choice(req.Choice), req.Round)
	if err != nil {
		s.writeError(w, err)
		return
	}

	b := res.Battle
	resp := voteResponse{
		Round:             b.Round,
		Duplicate:         res.Duplicate,
		EliminatedLabels:  res.EliminatedLabels,
		RemainingLabels:   b.RemainingLabels(),
		WinnerChainLabels: b.WinnerChainLabels(),
		NextReady:         res.NextReady,
	}
	if b.Status == arena.StatusComplete {
		resp.Status = "complete"
		for _, mid := range b.FinalRanking {
			resp.FinalRankingLabels = append(resp.FinalRankingLabels, b.Labels[mid])
		}
		resp.FinalRankingModels = append(resp.FinalRankingModels, b.FinalRanking...)
	} else {
		resp.Status = "continue"
		resp.ModelALabel = b.Labels[b.Current.ModelA]
		resp.ModelBLabel = b.Labels[b.Current.ModelB]
		if res.NextReady {
			resp.TextA = b.Current.TextA
			resp.TextB = b.Current.TextB
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, arena.ErrInvalidBattle):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, arena.ErrInvalidPool),
		errors.Is(err, arena.ErrInvalidChoice),
		errors.Is(err, arena.ErrInvalidRound),
		errors.Is(err, arena.ErrNotReadyForVote),
		errors.Is(err, arena.ErrBattleComplete):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, arena.ErrConflictRetryExceeded),
		errors.Is(err, arena.ErrBattleExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, arena.ErrSideFailed),
		errors.Is(err, arena.ErrIdenticalResponses),
		errors.Is(err, arena.ErrBackendTimeout):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
