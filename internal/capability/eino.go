package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"courier/internal/contextwin"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
)

var systemPrompts = map[Kind]string{
	KindCode: "You are a code-editing worker. Apply the requested change inside the workspace " +
		"using the workspace tools, then summarize exactly what you changed. " +
		"If the change cannot be made, start your answer with FAILED: and explain why.",
	KindResearch: "You are a read-only research worker. Investigate the request and answer with a " +
		"concrete, numbered proposal the user can approve, reject or refine. Never modify files.",
	KindBackground: "You are a background worker handling a long-running request. Work through it " +
		"completely and report the final outcome.",
	KindReply: "Answer the user briefly using only the conversation context provided.",
}

const failurePrefix = "FAILED:"

// Agent is an eino-backed capability. With tools it runs a react agent,
// otherwise it calls the chat model directly.
type Agent struct {
	kind   Kind
	system string
	model  model.ToolCallingChatModel
	agent  *react.Agent
	logger *slog.Logger
}

// NewAgent wires chatModel and tools into a capability of the given kind.
func NewAgent(ctx context.Context, kind Kind, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, logger *slog.Logger) (*Agent, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		kind:   kind,
		system: systemPrompts[kind],
		model:  chatModel,
		logger: logger.With("component", "capability", "kind", string(kind)),
	}
	if len(tools) > 0 {
		reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		a.agent = reactAgent
	}
	return a, nil
}

func (a *Agent) Invoke(ctx context.Context, prompt string, slice contextwin.Slice, opts Options) (Result, error) {
	ctx = WithToolScope(ctx, ToolScope{UserID: opts.UserID, Workspace: opts.Workspace})
	input := a.messages(prompt, slice)

	var (
		resp *schema.Message
		err  error
	)
	if a.agent != nil {
		resp, err = a.agent.Generate(ctx, input)
	} else {
		resp, err = a.model.Generate(ctx, input)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s generate: %w", a.kind, err)
	}
	if resp == nil {
		return Result{Success: false, Error: "worker returned no message"}, nil
	}

	usage := usageOf(input, resp)
	text := strings.TrimSpace(resp.Content)
	switch {
	case text == "":
		return Result{Success: false, Error: "worker returned an empty answer", Usage: usage}, nil
	case strings.HasPrefix(text, failurePrefix):
		reason := strings.TrimSpace(strings.TrimPrefix(text, failurePrefix))
		return Result{Success: false, Error: reason, Text: text, Usage: usage}, nil
	}
	a.logger.Debug("worker answered", "user_id", opts.UserID, "request_id", opts.RequestID, "completion_tokens", usage.CompletionTokens)
	return Result{Text: text, Success: true, Usage: usage}, nil
}

func (a *Agent) messages(prompt string, slice contextwin.Slice) []*schema.Message {
	msgs := make([]*schema.Message, 0, 3)
	if a.system != "" {
		msgs = append(msgs, schema.SystemMessage(a.system))
	}
	if rendered := slice.Render(); rendered != "" {
		msgs = append(msgs, schema.SystemMessage("Context:\n"+rendered))
	}
	msgs = append(msgs, schema.UserMessage(prompt))
	return msgs
}

// usageOf prefers the provider's token accounting and estimates otherwise.
func usageOf(input []*schema.Message, resp *schema.Message) Usage {
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		u := resp.ResponseMeta.Usage
		return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
	}
	var prompt int
	for _, m := range input {
		prompt += contextwin.CountTokens(m.Content)
	}
	return Usage{PromptTokens: prompt, CompletionTokens: contextwin.CountTokens(resp.Content)}
}
