// Package capability implements the worker capabilities the orchestrator
// dispatches to: code editing, read-only research, background jobs and the
// direct responder.
package capability

import (
	"context"
	"fmt"

	"courier/internal/contextwin"
)

type Kind string

const (
	KindCode       Kind = "code"
	KindResearch   Kind = "research"
	KindBackground Kind = "background"
	KindReply      Kind = "reply"
)

// Options carries per-call settings.
type Options struct {
	UserID    string
	RequestID string
	Workspace string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is what a worker reports back. Success false means the worker ran
// but could not do the job; Error then explains why.
type Result struct {
	Text    string         `json:"text"`
	Payload map[string]any `json:"payload,omitempty"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Usage   Usage          `json:"usage"`
}

// Capability is one worker behind the orchestrator.
type Capability interface {
	Invoke(ctx context.Context, prompt string, slice contextwin.Slice, opts Options) (Result, error)
}

// Set is the closed set of dispatchable workers.
type Set struct {
	Code       Capability
	Research   Capability
	Background Capability
}

// For returns the worker registered for kind.
func (s Set) For(kind Kind) (Capability, error) {
	var c Capability
	switch kind {
	case KindCode:
		c = s.Code
	case KindResearch:
		c = s.Research
	case KindBackground:
		c = s.Background
	default:
		return nil, fmt.Errorf("unknown capability %q", kind)
	}
	if c == nil {
		return nil, fmt.Errorf("capability %q not configured", kind)
	}
	return c, nil
}

// FailureError is a worker-reported failure, surfaced to the user verbatim.
type FailureError struct {
	Kind    Kind
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s worker failed: %s", e.Kind, e.Message)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, prompt string, slice contextwin.Slice, opts Options) (Result, error)

func (f Func) Invoke(ctx context.Context, prompt string, slice contextwin.Slice, opts Options) (Result, error) {
	return f(ctx, prompt, slice, opts)
}
