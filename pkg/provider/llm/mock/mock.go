// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Responses can be keyed by schema name so a single mock can serve a
// pipeline that issues several schema-constrained calls in one run:
//
//	p := &mock.Provider{
//	    CompleteResponses: map[string]*llm.CompletionResponse{
//	        "fact_retrieval": {Content: `{"facts":["likes tea"]}`},
//	        "memory_update":  {Content: `{"memory":[]}`},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/engram/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponses maps a request's schema name to the response to
	// return. Requests without a schema use the "" key. When no entry
	// matches, CompleteResponse is returned instead.
	CompleteResponses map[string]*llm.CompletionResponse

	// CompleteResponse is the fallback returned by Complete. May be nil
	// (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErrs maps a request's schema name to an error to return.
	// Takes precedence over responses for the same key.
	CompleteErrs map[string]error

	// CompleteErr, if non-nil, is returned by every Complete call that has
	// no schema-specific error.
	CompleteErr error

	// Model is returned by ModelID. Defaults to "mock-model".
	Model string

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured response for the
// request's schema, falling back to CompleteResponse.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	key := ""
	if req.Schema != nil {
		key = req.Schema.Name
	}
	if err, ok := p.CompleteErrs[key]; ok && err != nil {
		return nil, err
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if resp, ok := p.CompleteResponses[key]; ok {
		return resp, nil
	}
	return p.CompleteResponse, nil
}

// ModelID returns Model, or "mock-model" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model != "" {
		return p.Model
	}
	return "mock-model"
}
