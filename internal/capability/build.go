package capability

import (
	"context"
	"fmt"
	"log/slog"

	"courier/internal/config"
)

// Build wires every capability and the direct responder from configuration.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Set, Capability, error) {
	provider := cfg.Workers.Provider
	provCfg, ok := cfg.Provider(provider)
	if !ok {
		return Set{}, nil, fmt.Errorf("provider %s not configured", provider)
	}

	base, err := NewChatModel(ctx, provider, provCfg, "")
	if err != nil {
		return Set{}, nil, fmt.Errorf("chat model: %w", err)
	}
	codeModel := base
	if cfg.Workers.CodeModel != "" {
		if codeModel, err = NewChatModel(ctx, provider, provCfg, cfg.Workers.CodeModel); err != nil {
			return Set{}, nil, fmt.Errorf("code model: %w", err)
		}
	}
	replyModel := base
	if cfg.Workers.ReplyModel != "" {
		if replyModel, err = NewChatModel(ctx, provider, provCfg, cfg.Workers.ReplyModel); err != nil {
			return Set{}, nil, fmt.Errorf("reply model: %w", err)
		}
	}

	code, err := NewAgent(ctx, KindCode, codeModel, CodeTools(ctx), logger)
	if err != nil {
		return Set{}, nil, err
	}
	research, err := NewAgent(ctx, KindResearch, base, ResearchTools(ctx, cfg.Workers.WebSearch), logger)
	if err != nil {
		return Set{}, nil, err
	}
	background, err := NewAgent(ctx, KindBackground, base, nil, logger)
	if err != nil {
		return Set{}, nil, err
	}
	reply, err := NewAgent(ctx, KindReply, replyModel, nil, logger)
	if err != nil {
		return Set{}, nil, err
	}
	return Set{Code: code, Research: research, Background: background}, reply, nil
}
