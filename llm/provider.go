package llm

import (
	"context"
	"errors"

	"github.com/deskflowhq/deskflow/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools bool
	// ParallelToolCalls reports whether the provider can be asked to emit
	// at most one tool call per turn.
	ParallelToolCalls bool
}

// Provider is the boundary to the model vendor. Reference clients live under
// providers/; callers may inject any implementation of their own.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
