// Package providers defines the opaque provider-execution contract the
// dispatch engine consumes. The engine depends only on Execute and on the
// error being classifiable; everything vendor-specific lives in the adapter
// subpackages.
package providers

import (
	"context"
	"fmt"

	"github.com/arbiterlabs/dispatch/internal/types"
)

// ErrorKind is the structured failure category an executor attaches to its
// errors, mirroring the dispatch taxonomy so classification does not have to
// sniff message text for wrapped errors.
type ErrorKind string

const (
	KindProviderFailure      ErrorKind = "provider_failure"
	KindModelRefusal         ErrorKind = "model_refusal"
	KindBudgetEnforcement    ErrorKind = "budget_enforcement"
	KindOrchestrationFailure ErrorKind = "orchestration_failure"
)

// ExecError is a classified executor failure.
type ExecError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *ExecError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Executor runs a chat request against one provider family's backend. The
// controller holds one executor per family and passes the concrete model
// from the provider descriptor.
type Executor interface {
	// Family names the provider family this executor serves.
	Family() string

	// Execute performs the chat call. Failures should be *ExecError so the
	// controller can classify without text heuristics.
	Execute(ctx context.Context, providerID, model string, req *types.ChatRequest) (*types.ProviderResponse, error)
}
