package generator

import (
	"context"
	"strings"

	"github.com/bnema/chatsync/internal/ports"
)

// Echo answers with a fixed greeting followed by the prompt, one word per
// chunk. It needs no model and is the default for local runs and tests.
type Echo struct {
	// Reply overrides the generated text when set.
	Reply string
}

var _ ports.Generator = Echo{}

func (e Echo) Generate(ctx context.Context, req ports.GenerateRequest, emit func(chunk string) error) error {
	text := e.Reply
	if text == "" {
		text = "You said: " + strings.TrimSpace(req.Prompt)
	}

	for _, chunk := range SplitWords(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

// SplitWords cuts text into chunks that keep their trailing whitespace, so
// joining them gives back text unchanged.
func SplitWords(text string) []string {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			chunks = append(chunks, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
