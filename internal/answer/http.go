package answer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voxgate/internal/reliability"
)

// HTTPEngine forwards requests to an answer endpoint. Plain JSON, SSE and
// NDJSON responses are accepted.
type HTTPEngine struct {
	url    string
	client *http.Client
	strict bool
}

func NewHTTPEngine(url string, strict bool, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEngine{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		strict: strict,
	}
}

func (e *HTTPEngine) Respond(ctx context.Context, req Request, onDelta DeltaHandler) (Answer, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Answer{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return Answer{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream, application/x-ndjson")

	res, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
		return Answer{}, reliability.ProviderUnavailable("answer.http", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		statusErr := fmt.Errorf("answer engine status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Answer{}, reliability.ProviderUnavailable("answer.http", statusErr)
		}
		return Answer{}, statusErr
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return e.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return e.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Answer{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(trimLeadFiller(string(body)))
		if err := emit(onDelta, text); err != nil {
			return Answer{}, err
		}
		return Answer{Text: text}, nil
	}

	text := strings.TrimSpace(trimLeadFiller(extractText(obj)))
	if err := emit(onDelta, text); err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Sources: extractSources(obj)}, nil
}

// consumeSSE reads "data:" events; comments and blank lines are skipped and
// "[DONE]" ends the stream.
func (e *HTTPEngine) consumeSSE(body io.Reader, onDelta DeltaHandler) (Answer, error) {
	return e.consumeLines(body, onDelta, func(line string) (string, bool) {
		if strings.HasPrefix(line, ":") {
			return "", false
		}
		if !strings.HasPrefix(line, "data:") {
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	})
}

func (e *HTTPEngine) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Answer, error) {
	return e.consumeLines(body, onDelta, func(line string) (string, bool) {
		return line, true
	})
}

func (e *HTTPEngine) consumeLines(body io.Reader, onDelta DeltaHandler, payloadOf func(string) (string, bool)) (Answer, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out     strings.Builder
		sources []Source
		filter  fillerFilter
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		payload, ok := payloadOf(line)
		if !ok {
			continue
		}
		if strings.TrimSpace(payload) == "[DONE]" {
			break
		}

		delta := payload
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			delta = extractText(obj)
			sources = append(sources, extractSources(obj)...)
		} else if e.strict {
			return Answer{}, fmt.Errorf("invalid stream payload: %w", err)
		}

		delta = filter.Push(delta)
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if err := emit(onDelta, delta); err != nil {
			return Answer{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Answer{}, reliability.ProviderUnavailable("answer.stream", fmt.Errorf("stream read: %w", err))
	}
	if tail := filter.Flush(); tail != "" {
		out.WriteString(tail)
		if err := emit(onDelta, tail); err != nil {
			return Answer{}, err
		}
	}
	return Answer{Text: strings.TrimSpace(out.String()), Sources: sources}, nil
}

func emit(onDelta DeltaHandler, text string) error {
	if onDelta == nil || text == "" {
		return nil
	}
	return onDelta(text)
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "answer", "delta", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}

func extractSources(obj map[string]any) []Source {
	raw, ok := obj["sources"].([]any)
	if !ok {
		return nil
	}
	out := make([]Source, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, Source{Title: v})
		case map[string]any:
			title, _ := v["title"].(string)
			url, _ := v["url"].(string)
			if title == "" && url == "" {
				continue
			}
			out = append(out, Source{Title: title, URL: url})
		}
	}
	return out
}
