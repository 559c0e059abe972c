package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
)

const systemPrompt = "You are a helpful assistant. Use the provided memories and files when they are relevant."

// LLM streams replies from any langchaingo model.
type LLM struct {
	model llms.Model
	name  string
	log   zerolog.Logger
}

var _ ports.Generator = (*LLM)(nil)

func NewLLM(model llms.Model, name string, log zerolog.Logger) *LLM {
	return &LLM{model: model, name: name, log: log}
}

func (g *LLM) Generate(ctx context.Context, req ports.GenerateRequest, emit func(chunk string) error) error {
	chunks := 0
	_, err := g.model.GenerateContent(ctx, Messages(req), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		chunks++
		return emit(string(chunk))
	}))
	if err != nil {
		return fmt.Errorf("generate with %s: %w", g.name, err)
	}
	g.log.Debug().Str("model", g.name).Str("chat", string(req.ChatID)).Int("chunks", chunks).Msg("reply generated")
	return nil
}

// Messages turns a request into a chat transcript: the system prompt with
// the effective context, the earlier turns, then the prompt.
func Messages(req ports.GenerateRequest) []llms.MessageContent {
	msgs := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, systemText(req))}
	for _, msg := range req.History {
		role := llms.ChatMessageTypeHuman
		if msg.Role == domain.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, msg.Content))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))
}

func systemText(req ports.GenerateRequest) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if len(req.Memories) > 0 {
		b.WriteString("\n\nMemories:")
		for _, mem := range req.Memories {
			b.WriteString("\n- ")
			b.WriteString(mem.Content)
		}
	}
	if len(req.Files) > 0 {
		b.WriteString("\n\nFiles available to search:")
		for _, file := range req.Files {
			b.WriteString("\n- ")
			b.WriteString(file.Label())
		}
	}
	return b.String()
}
