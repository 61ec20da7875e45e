package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voxgate/internal/interaction"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/synthesis"
)

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Kind maps the reply onto the shared error taxonomy.
func (e *APIError) Kind() reliability.Kind {
	switch reliability.Kind(e.Code) {
	case reliability.KindCapacityExceeded, reliability.KindProviderUnavailable,
		reliability.KindSessionNotFound, reliability.KindSessionExpired,
		reliability.KindProtocolViolation, reliability.KindInvalidSequence:
		return reliability.Kind(e.Code)
	}
	return reliability.KindInternal
}

func (e *APIError) Is(target error) bool {
	return reliability.New(e.Kind(), "", "", nil).Is(target)
}

type SynthesisResult struct {
	AudioReference protocol.AudioReference `json:"audio_reference"`
	DurationMS     int64                   `json:"duration_ms"`
	Format         string                  `json:"format"`
	Cached         bool                    `json:"cached"`
}

// API wraps the gateway's REST endpoints.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 45 * time.Second},
	}
}

func (a *API) CreateSession(ctx context.Context, req session.CreateRequest) (session.CreateResponse, error) {
	var out session.CreateResponse
	err := a.do(ctx, http.MethodPost, "/v1/sessions", req, http.StatusCreated, &out)
	if err == nil && strings.TrimSpace(out.SessionID) == "" {
		err = fmt.Errorf("missing session_id in response")
	}
	return out, err
}

func (a *API) GetSession(ctx context.Context, id string) (session.Session, error) {
	var out session.Session
	err := a.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, &out)
	return out, err
}

func (a *API) EndSession(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, nil)
}

func (a *API) Interactions(ctx context.Context, id string, limit int) ([]interaction.Interaction, error) {
	path := "/v1/sessions/" + url.PathEscape(id) + "/interactions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Interactions []interaction.Interaction `json:"interactions"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out.Interactions, err
}

func (a *API) Synthesize(ctx context.Context, req synthesis.Request) (SynthesisResult, error) {
	var out SynthesisResult
	err := a.do(ctx, http.MethodPost, "/v1/synthesize", req, http.StatusOK, &out)
	return out, err
}

// FetchAudio downloads an artifact. Relative refs resolve against BaseURL.
func (a *API) FetchAudio(ctx context.Context, ref string) ([]byte, error) {
	target := ref
	if strings.HasPrefix(ref, "/") {
		target = a.BaseURL + ref
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	res, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, decodeAPIError(res.StatusCode, body)
	}
	return body, nil
}

func (a *API) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != want {
		return decodeAPIError(res.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func decodeAPIError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
		return &APIError{Status: status, Code: "http_error", Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: status, Code: payload.Code, Message: payload.Error}
}
