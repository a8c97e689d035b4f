package arena

import (
	"context"
	"sync"

	"modelarena/internal/logging"
)

// FrameType names the events on the outbound battle stream.
type FrameType string

const (
	// FrameDelta carries one incremental text chunk for a side.
	FrameDelta FrameType = "delta"
	// FrameMatchupReady announces the display labels for the round.
	FrameMatchupReady FrameType = "matchup_ready"
	// FrameRoundComplete marks the end of generation for the round.
	FrameRoundComplete FrameType = "round_complete"
	// FrameSnapshot closes the stream with the full accumulated texts.
	FrameSnapshot FrameType = "snapshot"
	// FrameError reports a side failure the client can recover from.
	FrameError FrameType = "error"
)

// Frame is one event on the multiplexed stream. Frames for the two
// sides interleave in arrival order; ordering is guaranteed only within
// a side. Real model ids never appear here, only display labels.
type Frame struct {
	Event FrameType `json:"event"`

	Side  Side   `json:"side,omitempty"`
	Delta string `json:"delta,omitempty"`

	ModelALabel string `json:"model_a_label,omitempty"`
	ModelBLabel string `json:"model_b_label,omitempty"`

	TextA string `json:"text_a,omitempty"`
	TextB string `json:"text_b,omitempty"`

	Round   int    `json:"round,omitempty"`
	Message string `json:"message,omitempty"`
}

// Multiplexer serializes the two concurrent side streams plus control
// events onto one channel. Emit is safe from multiple goroutines. The
// producing side calls Finish once every emitter has returned; a
// departing consumer calls Abort to release emitters without waiting.
type Multiplexer struct {
	ch         chan Frame
	finishOnce sync.Once
	abortOnce  sync.Once
	aborted    chan struct{}
}

// NewMultiplexer builds a multiplexer with a buffer sized for bursty
// token arrival without backpressuring the generating side.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		ch:      make(chan Frame, 256),
		aborted: make(chan struct{}),
	}
}

// Emit queues a frame. It drops the frame if the consumer aborted or
// ctx is cancelled; delivery is best-effort because a disconnected
// viewer must not stall generation writes to the store.
func (m *Multiplexer) Emit(ctx context.Context, f Frame) {
	select {
	case m.ch <- f:
	case <-m.aborted:
	case <-ctx.Done():
		logging.Stream("frame dropped on cancelled stream: %s", f.Event)
	}
}

// Frames returns the consumer side of the stream. It is closed by
// Finish, never by Abort.
func (m *Multiplexer) Frames() <-chan Frame {
	return m.ch
}

// Finish closes the frame channel. Only the producing side may call it,
// and only after all Emit calls have returned.
func (m *Multiplexer) Finish() {
	m.finishOnce.Do(func() { close(m.ch) })
}

// Abort signals that the consumer is gone. Pending and future Emit
// calls drop their frames instead of blocking.
func (m *Multiplexer) Abort() {
	m.abortOnce.Do(func() { close(m.aborted) })
}
