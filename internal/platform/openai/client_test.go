package openai

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

type fakeTransport struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (t *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.fn(req)
}

func newFakeClient(t *testing.T, fn func(req *http.Request) (*http.Response, error)) Client {
	t.Helper()
	c, err := NewClient(Config{
		APIKey:     "test-key",
		HTTPClient: &http.Client{Transport: &fakeTransport{fn: fn}},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func sseResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestStreamChatDeltas(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")
	c := newFakeClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path: want=/v1/chat/completions got=%s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("auth header: got=%q", got)
		}
		return sseResponse(body), nil
	})

	var deltas []string
	full, err := c.StreamChat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "Hello" {
		t.Fatalf("full text: want=%q got=%q", "Hello", full)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("deltas: got=%v", deltas)
	}
}

func TestStreamChatMidStreamError(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"par"}}]}`,
		"",
		`data: {"error":{"message":"overloaded"}}`,
		"",
	}, "\n")
	c := newFakeClient(t, func(*http.Request) (*http.Response, error) {
		return sseResponse(body), nil
	})
	if _, err := c.StreamChat(context.Background(), ChatRequest{}, nil); err == nil {
		t.Fatal("want stream error, got nil")
	}
}

func TestStreamChatAuthFailureNotRetried(t *testing.T) {
	calls := 0
	c := newFakeClient(t, func(*http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(401, `{"error":{"message":"bad key"}}`), nil
	})
	_, err := c.StreamChat(context.Background(), ChatRequest{}, nil)
	if err == nil {
		t.Fatal("want auth error, got nil")
	}
	if calls != 1 {
		t.Fatalf("calls: want=1 got=%d", calls)
	}
}

func TestEmbedReordersByIndex(t *testing.T) {
	c := newFakeClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/embeddings" {
			t.Fatalf("path: got=%s", req.URL.Path)
		}
		return jsonResponse(200, `{"data":[
			{"index":1,"embedding":[0.5,0.5]},
			{"index":0,"embedding":[1.0,0.0]}
		]}`), nil
	})
	out, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len: want=2 got=%d", len(out))
	}
	if out[0][0] != 1.0 || out[1][0] != 0.5 {
		t.Fatalf("order: got=%v", out)
	}
}

func TestEmbedMissingIndexFails(t *testing.T) {
	c := newFakeClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"data":[{"index":0,"embedding":[1.0]}]}`), nil
	})
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("want missing-index error, got nil")
	}
}

func TestCompleteRetriesOn429(t *testing.T) {
	calls := 0
	c := newFakeClient(t, func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return jsonResponse(429, `{"error":{"message":"rate limited"}}`), nil
		}
		return jsonResponse(200, `{"choices":[{"message":{"content":"ok"}}]}`), nil
	})
	got, err := c.Complete(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "ok" {
		t.Fatalf("text: want=%q got=%q", "ok", got)
	}
	if calls != 2 {
		t.Fatalf("calls: want=2 got=%d", calls)
	}
}
