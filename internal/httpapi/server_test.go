package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatd/internal/acquire"
	"chatd/internal/apperr"
	"chatd/internal/events"
	"chatd/internal/manager"
	"chatd/pkg/types"
)

type mockService struct {
	models    []types.ModelDescriptor
	listErr   error
	status    types.StatusResponse
	ready     bool
	progress  []types.ProgressEvent
	acquireFn func(ctx context.Context, desc types.ModelDescriptor) (string, error)
	deleted   []string
	deleteErr error
	chatFn    func(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error)
	tokens    []int32
	tokErr    error
	sanity    manager.SanityReport
	events    chan events.Event
	unsubbed  chan struct{}
}

func (m *mockService) ListModels() ([]types.ModelDescriptor, error) { return m.models, m.listErr }
func (m *mockService) Status() types.StatusResponse                  { return m.status }
func (m *mockService) Ready() bool                                   { return m.ready }
func (m *mockService) SanityCheck() manager.SanityReport             { return m.sanity }

func (m *mockService) Acquire(ctx context.Context, desc types.ModelDescriptor, sink acquire.Sink) (string, error) {
	for _, ev := range m.progress {
		sink(ev)
	}
	if m.acquireFn != nil {
		return m.acquireFn(ctx, desc)
	}
	return "Successfully downloaded and validated model " + desc.Name, nil
}

func (m *mockService) Delete(name string) (string, error) {
	if m.deleteErr != nil {
		return "", m.deleteErr
	}
	m.deleted = append(m.deleted, name)
	return "Successfully deleted model " + name, nil
}

func (m *mockService) Tokenize(ctx context.Context, text string, addSpecial bool) ([]int32, error) {
	if m.tokErr != nil {
		return nil, m.tokErr
	}
	if text == "" {
		return nil, nil
	}
	out := append([]int32(nil), m.tokens...)
	if addSpecial {
		out = append([]int32{1}, out...)
	}
	return out, nil
}

func (m *mockService) Detokenize(ctx context.Context, ids []int32) (string, error) {
	if m.tokErr != nil {
		return "", m.tokErr
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(rune('a' + id))
	}
	return strings.Join(parts, ""), nil
}

func (m *mockService) Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, req)
	}
	return types.ChatResponse{Content: "hi", FinishReason: "stop", Usage: types.Usage{PromptTokens: 3, CompletionTokens: 1}}, nil
}

func (m *mockService) Subscribe() (<-chan events.Event, func()) {
	return m.events, func() {
		if m.unsubbed != nil {
			close(m.unsubbed)
		}
	}
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return e
}

func ndjsonLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.ModelDescriptor{{Name: "m1"}, {Name: "m2", Installed: true}}}
	w := doJSON(t, NewMux(svc), http.MethodGet, "/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff(svc.models, body.Models); diff != "" {
		t.Fatalf("models mismatch (-want +got):\n%s", diff)
	}
}

func TestModelsHandlerEmptyIsArray(t *testing.T) {
	w := doJSON(t, NewMux(&mockService{}), http.MethodGet, "/models", "")
	if !strings.Contains(w.Body.String(), `"models":[]`) {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestModelsHandlerError(t *testing.T) {
	svc := &mockService{listErr: apperr.Msg(apperr.KindIO, "list", "disk gone")}
	w := doJSON(t, NewMux(svc), http.MethodGet, "/models", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != string(apperr.KindIO) || e.Code != http.StatusBadGateway {
		t.Fatalf("unexpected error body: %+v", e)
	}
}

func TestStatusAndSanity(t *testing.T) {
	svc := &mockService{
		status: types.StatusResponse{MaxQueueDepth: 32, Active: &types.ActiveModel{Name: "alpha"}},
		sanity: manager.SanityReport{ModelsDir: "/m", ModelsDirOK: true},
	}
	r := NewMux(svc)
	w := doJSON(t, r, http.MethodGet, "/status", "")
	var st types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st.MaxQueueDepth != 32 || st.Active == nil || st.Active.Name != "alpha" {
		t.Fatalf("unexpected status: %+v", st)
	}
	w = doJSON(t, r, http.MethodGet, "/sanity", "")
	var rep manager.SanityReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff(svc.sanity, rep); diff != "" {
		t.Fatalf("sanity mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthAndReady(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	if w := doJSON(t, r, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without model=%d", w.Code)
	}
	svc.ready = true
	if w := doJSON(t, r, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz=%d", w.Code)
	}
}

func TestChat(t *testing.T) {
	var got types.ChatRequest
	svc := &mockService{chatFn: func(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
		got = req
		return types.ChatResponse{Content: "Hello!", FinishReason: "stop"}, nil
	}}
	w := doJSON(t, NewMux(svc), http.MethodPost, "/chat", `{"messages":[{"role":"user","content":"hi"}],"options":{"temperature":0.1}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Content != "Hello!" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	want := []types.ChatMessage{{Role: "user", Content: "hi"}}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if got.Options["temperature"] != 0.1 {
		t.Fatalf("options not forwarded: %v", got.Options)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	r := NewMux(&mockService{})
	if w := doJSON(t, r, http.MethodPost, "/chat", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("content-type status=%d", w.Code)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"no model", apperr.Msg(apperr.KindNoActiveModel, "chat", "load a model first"), http.StatusConflict, "NoActiveModel"},
		{"empty prompt", apperr.New(apperr.KindEmptyPrompt, "chat", nil), http.StatusBadRequest, "EmptyPrompt"},
		{"busy", apperr.Msg(apperr.KindConcurrency, "chat", "queue full"), http.StatusTooManyRequests, "ConcurrencyFailure"},
		{"decode", apperr.Msg(apperr.KindDecode, "chat", "boom"), http.StatusInternalServerError, "DecodeFailure"},
		{"custom", mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot, ""},
		{"plain", io.EOF, http.StatusInternalServerError, "Internal"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			svc := &mockService{chatFn: func(context.Context, types.ChatRequest) (types.ChatResponse, error) {
				return types.ChatResponse{}, c.err
			}}
			w := doJSON(t, NewMux(svc), http.MethodPost, "/chat", `{"messages":[]}`)
			if w.Code != c.code {
				t.Fatalf("status=%d want %d", w.Code, c.code)
			}
			e := decodeError(t, w)
			if e.Kind != c.kind || e.Code != c.code || e.Error == "" {
				t.Fatalf("unexpected error body: %+v", e)
			}
		})
	}
}

func TestChatTimeoutMaps504(t *testing.T) {
	SetChatTimeout(20 * time.Millisecond)
	defer SetChatTimeout(0)
	svc := &mockService{chatFn: func(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
		<-ctx.Done()
		return types.ChatResponse{}, ctx.Err()
	}}
	w := doJSON(t, NewMux(svc), http.MethodPost, "/chat", `{"messages":[]}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestChatCanceledByServerShutdown(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(nil)
	started := make(chan struct{})
	svc := &mockService{chatFn: func(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
		close(started)
		<-ctx.Done()
		return types.ChatResponse{}, ctx.Err()
	}}
	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- doJSON(t, NewMux(svc), http.MethodPost, "/chat", `{"messages":[]}`) }()
	<-started
	cancel()
	select {
	case w := <-done:
		if w.Body.Len() != 0 {
			t.Fatalf("expected no body after shutdown, got %q", w.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chat did not observe shutdown")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	w := doJSON(t, NewMux(&mockService{}), http.MethodPost, "/chat", `{"messages":[{"role":"user","content":"this is far too long"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestAcquireStreamsProgress(t *testing.T) {
	svc := &mockService{progress: []types.ProgressEvent{
		{ID: "a", Model: "alpha", Status: types.StatusDownloading, Progress: 10},
		{ID: "a", Model: "alpha", Status: types.StatusCompleted, Progress: 100},
	}}
	w := doJSON(t, NewMux(svc), http.MethodPost, "/models/acquire", `{"name":"alpha"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := ndjsonLines(t, w.Body.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %s", len(lines), w.Body.String())
	}
	if lines[0]["status"] != types.StatusDownloading || lines[1]["progress"] != float64(100) {
		t.Fatalf("unexpected progress lines: %v", lines[:2])
	}
	if lines[2]["done"] != true || !strings.Contains(lines[2]["message"].(string), "alpha") {
		t.Fatalf("unexpected final line: %v", lines[2])
	}
}

func TestAcquireErrorBeforeStream(t *testing.T) {
	svc := &mockService{acquireFn: func(context.Context, types.ModelDescriptor) (string, error) {
		return "", apperr.Msg(apperr.KindInvalid, "acquire", "model name required")
	}}
	w := doJSON(t, NewMux(svc), http.MethodPost, "/models/acquire", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != string(apperr.KindInvalid) {
		t.Fatalf("unexpected error body: %+v", e)
	}
}

func TestAcquireErrorAfterStream(t *testing.T) {
	svc := &mockService{
		progress: []types.ProgressEvent{{ID: "a", Model: "alpha", Status: types.StatusFailed, Progress: 90}},
		acquireFn: func(context.Context, types.ModelDescriptor) (string, error) {
			return "", apperr.Msg(apperr.KindInvalidArtifact, "acquire", "bad magic")
		},
	}
	w := doJSON(t, NewMux(svc), http.MethodPost, "/models/acquire", `{"name":"alpha"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	lines := ndjsonLines(t, w.Body.String())
	last := lines[len(lines)-1]
	if last["kind"] != string(apperr.KindInvalidArtifact) || last["done"] != false || last["error"] == "" {
		t.Fatalf("unexpected final line: %v", last)
	}
}

func TestDeleteHandler(t *testing.T) {
	svc := &mockService{}
	w := doJSON(t, NewMux(svc), http.MethodDelete, "/models/alpha", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var msg types.MessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("json: %v", err)
	}
	if msg.Message != "Successfully deleted model alpha" || len(svc.deleted) != 1 || svc.deleted[0] != "alpha" {
		t.Fatalf("unexpected delete: %+v %v", msg, svc.deleted)
	}

	svc.deleteErr = apperr.Msg(apperr.KindInvalid, "delete", "invalid model name")
	if w := doJSON(t, NewMux(svc), http.MethodDelete, "/models/x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestTokenizeRoundTrip(t *testing.T) {
	svc := &mockService{tokens: []int32{7, 4}}
	r := NewMux(svc)
	w := doJSON(t, r, http.MethodPost, "/tokenize", `{"text":"hello","add_special":true}`)
	var tok types.TokenizeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tok); err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff([]int32{1, 7, 4}, tok.Tokens); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	w = doJSON(t, r, http.MethodPost, "/tokenize", `{"text":""}`)
	if !strings.Contains(w.Body.String(), `"tokens":[]`) {
		t.Fatalf("empty text body=%s", w.Body.String())
	}
	w = doJSON(t, r, http.MethodPost, "/detokenize", `{"tokens":[7,4]}`)
	var det types.DetokenizeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &det); err != nil {
		t.Fatalf("json: %v", err)
	}
	if det.Text != "he" {
		t.Fatalf("text=%q", det.Text)
	}
}

func TestTokenizeNoActiveModel(t *testing.T) {
	svc := &mockService{tokErr: apperr.Msg(apperr.KindNoActiveModel, "tokenize", "no model")}
	r := NewMux(svc)
	for _, path := range []string{"/tokenize", "/detokenize"} {
		if w := doJSON(t, r, http.MethodPost, path, `{}`); w.Code != http.StatusConflict {
			t.Fatalf("%s status=%d", path, w.Code)
		}
	}
}

func TestEventsStream(t *testing.T) {
	svc := &mockService{events: make(chan events.Event, 1), unsubbed: make(chan struct{})}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	svc.events <- events.Event{Name: "model_active", Model: "alpha"}
	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		t.Fatalf("json: %v", err)
	}
	if ev.Name != "model_active" || ev.Model != "alpha" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	_ = resp.Body.Close()
	select {
	case <-svc.unsubbed:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not released after disconnect")
	}
}

func TestSwaggerDoc(t *testing.T) {
	w := doJSON(t, NewMux(&mockService{}), http.MethodGet, "/swagger/doc.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chatd API") || !strings.Contains(w.Body.String(), "/models/acquire") {
		t.Fatalf("unexpected doc: %.200s", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions(true, []string{"http://app.local"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://app.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Fatalf("allow-origin=%q status=%d", got, w.Code)
	}
}

func TestStatusForUnwrapsContextErrors(t *testing.T) {
	code, kind := statusFor(errors.Join(errors.New("chat"), context.DeadlineExceeded))
	if code != http.StatusGatewayTimeout || kind != "Timeout" {
		t.Fatalf("got %d %s", code, kind)
	}
}
