package answer

import (
	"context"
	"fmt"
	"strings"
)

// MockEngine provides deterministic local replies when no engine is configured.
type MockEngine struct{}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Answer, error) {
	select {
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if err := emit(onDelta, text); err != nil {
		return Answer{}, err
	}
	return Answer{
		Text:    text,
		Sources: []Source{{Title: "Local knowledge base", URL: "kb://local"}},
	}, nil
}

func buildMockReply(req Request) string {
	query := strings.TrimSpace(req.Query)
	ru := strings.HasPrefix(strings.ToLower(req.Language), "ru")
	if query == "" {
		if ru {
			return "Я слушаю."
		}
		return "I am listening."
	}
	if ru {
		return fmt.Sprintf("Вот что я нашёл по запросу «%s».", query)
	}
	return fmt.Sprintf("Here is what I found about %q.", query)
}
