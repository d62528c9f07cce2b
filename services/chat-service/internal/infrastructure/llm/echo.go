package llm

import (
	"context"
	"strings"
	"time"
	"unicode"

	"stream-chat/services/chat-service/internal/domain"
)

// EchoGenerator streams the prompt back word by word. It needs no backend
// and is the default for local development.
type EchoGenerator struct {
	delay time.Duration
}

func NewEchoGenerator(delay time.Duration) *EchoGenerator {
	return &EchoGenerator{delay: delay}
}

func (g *EchoGenerator) Generate(ctx context.Context, req *domain.GenerateRequest) (<-chan *domain.Fragment, error) {
	words := splitWords(req.Prompt)
	outCh := make(chan *domain.Fragment)

	go func() {
		defer close(outCh)
		for _, w := range words {
			if g.delay > 0 {
				select {
				case <-time.After(g.delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, outCh, &domain.Fragment{Content: w}) {
				return
			}
		}
	}()
	return outCh, nil
}

// splitWords cuts s after each run of spaces so the pieces join back to s.
func splitWords(s string) []string {
	var out []string
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		if inSpace && !unicode.IsSpace(r) {
			out = append(out, b.String())
			b.Reset()
		}
		inSpace = unicode.IsSpace(r)
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
