package answer

import (
	"context"
	"errors"
	"testing"
)

type stubEngine struct {
	calls  int
	deltas []string
	answer Answer
	err    error
}

func (e *stubEngine) Respond(_ context.Context, _ Request, onDelta DeltaHandler) (Answer, error) {
	e.calls++
	for _, d := range e.deltas {
		if err := emit(onDelta, d); err != nil {
			return Answer{}, err
		}
	}
	return e.answer, e.err
}

func TestFallbackEngineUsesFallbackOnPrimaryError(t *testing.T) {
	primary := &stubEngine{err: errors.New("down")}
	fallback := &stubEngine{answer: Answer{Text: "from fallback"}}

	resp, err := NewFallbackEngine(primary, fallback).Respond(context.Background(), Request{Query: "q"}, nil)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if resp.Text != "from fallback" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestFallbackEngineKeepsPartiallyStreamedFailure(t *testing.T) {
	primary := &stubEngine{deltas: []string{"Hal"}, err: errors.New("stream cut")}
	fallback := &stubEngine{answer: Answer{Text: "from fallback"}}

	if _, err := NewFallbackEngine(primary, fallback).Respond(context.Background(), Request{}, nil); err == nil {
		t.Fatalf("Respond() expected primary error after partial stream")
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestFallbackEngineDoesNotMaskCancellation(t *testing.T) {
	primary := &stubEngine{err: context.Canceled}
	fallback := &stubEngine{answer: Answer{Text: "x"}}
	if _, err := NewFallbackEngine(primary, fallback).Respond(context.Background(), Request{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Respond() error = %v, want context.Canceled", err)
	}
}

func TestNewEngineModes(t *testing.T) {
	if _, err := NewEngine(Config{Mode: "http"}); err == nil {
		t.Fatalf("http mode without url expected error")
	}
	if _, err := NewEngine(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown mode expected error")
	}
	e, err := NewEngine(Config{Mode: "auto", URL: "http://engine.test"})
	if err != nil {
		t.Fatalf("NewEngine(auto) error = %v", err)
	}
	if _, ok := e.(*FallbackEngine); !ok {
		t.Fatalf("auto with url = %T, want *FallbackEngine", e)
	}
	e, _ = NewEngine(Config{})
	if _, ok := e.(*MockEngine); !ok {
		t.Fatalf("auto without url = %T, want *MockEngine", e)
	}
}

func TestMockEngineLocalizes(t *testing.T) {
	resp, err := NewMockEngine().Respond(context.Background(), Request{Query: "погода", Language: "ru-RU"}, nil)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if resp.Text != "Вот что я нашёл по запросу «погода»." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}
