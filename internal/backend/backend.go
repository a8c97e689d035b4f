// Package backend defines the ModelBackend capability the arena engine
// consumes: prompt in, streamed text plus latency out. Concrete clients
// speak an OpenAI-compatible chat completions API; tests use the mock.
package backend

import "context"

// ModelBackend is the minimal capability a participating model exposes.
// Stream returns two channels in the provider-client convention: content
// chunks arrive on the first until generation completes and it closes;
// at most one error is delivered on the second. Both channels are closed
// by the implementation. Cancellation of ctx stops the generation.
type ModelBackend interface {
	// Name identifies the backend for logs. Never shown to voters.
	Name() string

	// Stream starts a generation for prompt and streams incremental
	// text. Chunk order is the token order of the model.
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}
