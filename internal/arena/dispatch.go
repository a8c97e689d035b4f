package arena

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"modelarena/internal/backend"
	"modelarena/internal/logging"
)

// BackendResolver resolves a model id to its backend capability.
// Mirrors registry.Registry to avoid an import cycle.
type BackendResolver interface {
	Backend(id string) (backend.ModelBackend, error)
}

// DispatcherConfig tunes generation behavior.
type DispatcherConfig struct {
	// GenTimeout is the hard ceiling per generation attempt.
	GenTimeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed side.
	RetryBackoff time.Duration
	// MaxConcurrent caps simultaneous backend generations per process.
	MaxConcurrent int64
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		GenTimeout:    90 * time.Second,
		RetryBackoff:  2 * time.Second,
		MaxConcurrent: 16,
	}
}

// Dispatcher invokes two model backends concurrently for a prompt,
// streams their tokens through a multiplexer, and records per-side
// latency. It holds no battle state; results are handed back to the
// controller which owns the store write.
type Dispatcher struct {
	backends BackendResolver
	timeout  time.Duration
	backoff  time.Duration
	sem      *semaphore.Weighted
}

// NewDispatcher builds a dispatcher over the given backend resolver.
func NewDispatcher(backends BackendResolver, cfg DispatcherConfig) *Dispatcher {
	if cfg.GenTimeout <= 0 {
		cfg.GenTimeout = 90 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Dispatcher{
		backends: backends,
		timeout:  cfg.GenTimeout,
		backoff:  cfg.RetryBackoff,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

type sideResult struct {
	text    string
	latency time.Duration
	err     error
}

// GenerateMatchup runs both sides concurrently and returns the filled
// matchup. Neither side blocks the other; a side that fails after its
// retry comes back with an empty text and its error flag set. mux may
// be nil (prefetch mode); then no frames are emitted.
func (d *Dispatcher) GenerateMatchup(ctx context.Context, prompt, modelA, modelB string, mux *Multiplexer) (Matchup, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "GenerateMatchup")
	defer timer.Stop()

	if modelA == modelB {
		return Matchup{}, fmt.Errorf("matchup with identical models %q", modelA)
	}

	var wg sync.WaitGroup
	var resA, resB sideResult

	wg.Add(2)
	go func() {
		defer wg.Done()
		resA = d.generateSide(ctx, prompt, modelA, SideA, mux)
	}()
	go func() {
		defer wg.Done()
		resB = d.generateSide(ctx, prompt, modelB, SideB, mux)
	}()
	wg.Wait()

	m := Matchup{
		ModelA:   modelA,
		ModelB:   modelB,
		TextA:    resA.text,
		TextB:    resB.text,
		LatencyA: resA.latency,
		LatencyB: resB.latency,
		ErrorA:   resA.err != nil,
		ErrorB:   resB.err != nil,
	}

	if resA.err != nil {
		logging.DispatchError("side a (%s) failed: %v", modelA, resA.err)
	}
	if resB.err != nil {
		logging.DispatchError("side b (%s) failed: %v", modelB, resB.err)
	}
	return m, ctx.Err()
}

// generateSide runs one backend with a single retry on failure. The
// retry starts clean; the result carries whatever text the last attempt
// accumulated, even when it also carries an error.
func (d *Dispatcher) generateSide(ctx context.Context, prompt, modelID string, side Side, mux *Multiplexer) sideResult {
	be, err := d.backends.Backend(modelID)
	if err != nil {
		return sideResult{err: err}
	}

	const attempts = 2
	var last sideResult
	for i := 0; i < attempts; i++ {
		if i > 0 {
			logging.Dispatch("retrying side %s (%s) after %v: %v", side, modelID, d.backoff, last.err)
			select {
			case <-time.After(d.backoff):
			case <-ctx.Done():
				last.err = ctx.Err()
				return last
			}
		}
		last = d.streamOnce(ctx, be, prompt, side, mux)
		if last.err == nil {
			return last
		}
		if errors.Is(last.err, context.Canceled) {
			return last
		}
	}
	return last
}

func (d *Dispatcher) streamOnce(ctx context.Context, be backend.ModelBackend, prompt string, side Side, mux *Multiplexer) sideResult {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return sideResult{err: err}
	}
	defer d.sem.Release(1)

	genCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	contentChan, errChan := be.Stream(genCtx, prompt)

	var sb strings.Builder
	for chunk := range contentChan {
		sb.WriteString(chunk)
		if mux != nil {
			mux.Emit(ctx, Frame{Event: FrameDelta, Side: side, Delta: chunk})
		}
	}
	latency := time.Since(start)

	if err := <-errChan; err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v elapsed", ErrBackendTimeout, latency)
		}
		// Partial text rides along with the error: on cancellation it is
		// written back to the record, on retry the caller discards it.
		return sideResult{text: sb.String(), latency: latency, err: err}
	}
	if sb.Len() == 0 {
		return sideResult{latency: latency, err: fmt.Errorf("backend %s produced no content", be.Name())}
	}
	return sideResult{text: sb.String(), latency: latency}
}

// ValidateMatchup enforces the integrity rules a matchup must satisfy
// before it may reach READY_FOR_VOTE: no failed side (partial text does
// not redeem a flagged error), and never two byte-identical non-empty
// texts.
func ValidateMatchup(m Matchup) error {
	if m.ErrorA || m.ErrorB {
		return ErrSideFailed
	}
	if m.TextA != "" && m.TextA == m.TextB {
		return ErrIdenticalResponses
	}
	return nil
}

// GenerateValidated generates a matchup and enforces the integrity
// rules, regenerating once on identical responses. The aliasing defect
// is logged loudly either way; corrupt data is never handed onward.
func (d *Dispatcher) GenerateValidated(ctx context.Context, prompt, modelA, modelB string, mux *Multiplexer) (Matchup, error) {
	m, err := d.GenerateMatchup(ctx, prompt, modelA, modelB, mux)
	if err != nil {
		return m, err
	}
	verr := ValidateMatchup(m)
	if verr == nil {
		return m, nil
	}
	if !errors.Is(verr, ErrIdenticalResponses) {
		return m, verr
	}

	logging.DispatchError("identical responses from %s and %s, discarding and regenerating", modelA, modelB)
	// Regenerate without frames: the consumer already saw the first
	// stream; it receives the corrected texts in the snapshot.
	m, err = d.GenerateMatchup(ctx, prompt, modelA, modelB, nil)
	if err != nil {
		return m, err
	}
	if verr := ValidateMatchup(m); verr != nil {
		return m, verr
	}
	return m, nil
}
