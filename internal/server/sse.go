package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"modelarena/internal/arena"
)

// handleStream serves the battle's event stream over SSE. The client
// accumulates per-side buffers keyed by the frame's side tag; ordering
// holds within a side only. A disconnect aborts delivery but not the
// underlying generation, whose results are still written to the store.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Resolve the battle before committing to a 200 and SSE headers.
	if _, err := s.ctrl.GetBattle(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	muxer := arena.NewMultiplexer()

	go func() {
		defer muxer.Finish()
		if err := s.ctrl.StreamBattle(ctx, id, muxer); err != nil {
			s.logger.Warn("stream generation failed",
				zap.String("battle_id", id), zap.Error(err))
		}
	}()

	for {
		select {
		case frame, open := <-muxer.Frames():
			if !open {
				return
			}
			if err := writeSSE(w, frame); err != nil {
				muxer.Abort()
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			muxer.Abort()
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, frame arena.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, data)
	return err
}
