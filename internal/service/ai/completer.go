package ai

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

var (
	// ErrMissingAPIKey is returned when no upstream credential is configured.
	ErrMissingAPIKey = errors.New("missing upstream api key")
	// ErrEmptyCompletion is returned when upstream answers without any choice.
	ErrEmptyCompletion = errors.New("upstream returned no choices")
)

// CompletionRequest is one upstream chat completion call.
type CompletionRequest struct {
	Model string
	// User is forwarded upstream as the accounting identity.
	User     string
	Messages []chat.Message
}

// Completer performs a single chat completion against some provider.
// Implementations never retry; that is the Gateway's job.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}
