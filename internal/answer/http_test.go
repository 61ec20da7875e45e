package answer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/voxgate/internal/reliability"
)

func TestHTTPEngineConsumeSSE(t *testing.T) {
	e := NewHTTPEngine("http://example.test", false, 0)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\",\"sources\":[{\"title\":\"Guide\",\"url\":\"https://docs.example/guide\"}]}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var deltas []string
	resp, err := e.consumeSSE(stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Title != "Guide" {
		t.Fatalf("resp.Sources = %+v", resp.Sources)
	}
}

func TestHTTPEngineConsumeSSEStrictInvalidJSON(t *testing.T) {
	e := NewHTTPEngine("http://example.test", true, 0)
	if _, err := e.consumeSSE(strings.NewReader("data: {not-json}\n\n"), nil); err == nil {
		t.Fatalf("consumeSSE() expected error for invalid strict payload")
	}
}

func TestHTTPEngineConsumeNDJSON(t *testing.T) {
	e := NewHTTPEngine("http://example.test", false, 0)
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"[DONE]",
	}, "\n"))

	resp, err := e.consumeNDJSON(stream, nil)
	if err != nil {
		t.Fatalf("consumeNDJSON() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestHTTPEngineConsumeNDJSONStrictInvalidJSON(t *testing.T) {
	e := NewHTTPEngine("http://example.test", true, 0)
	if _, err := e.consumeNDJSON(strings.NewReader("not-json\n"), nil); err == nil {
		t.Fatalf("consumeNDJSON() expected error for strict invalid payload")
	}
}

func TestHTTPEngineRespondJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"Reset it from settings.","sources":["FAQ"]}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPEngine(srv.URL, false, 0).Respond(context.Background(), Request{Query: "how to reset"}, nil)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if resp.Text != "Reset it from settings." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Title != "FAQ" {
		t.Fatalf("resp.Sources = %+v", resp.Sources)
	}
}

func TestHTTPEngineUpstreamOutageIsProviderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL, false, 0).Respond(context.Background(), Request{Query: "q"}, nil)
	if reliability.KindOf(err) != reliability.KindProviderUnavailable {
		t.Fatalf("KindOf(err) = %q, want provider_unavailable (err=%v)", reliability.KindOf(err), err)
	}
}
