package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeCredentials struct {
	token       string
	invalidated int32
}

func (f *fakeCredentials) Credential() string { return f.token }

func (f *fakeCredentials) InvalidateCredential() { atomic.AddInt32(&f.invalidated, 1) }

func testExecutor(baseURL string, creds CredentialSource) *Executor {
	return NewExecutor(ExecutorOptions{
		BaseURL:     baseURL,
		Credentials: creds,
		Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:      zerolog.Nop(),
	})
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	exec := testExecutor(server.URL, &fakeCredentials{token: "tok-1"})
	var out struct {
		OK bool `json:"ok"`
	}
	if err := exec.Execute(context.Background(), "GET", "/v1/ping", nil, &out); err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected decoded response body")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", got)
	}
}

func TestExecuteExhaustsRetriesOnServerFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer server.Close()

	exec := testExecutor(server.URL, &fakeCredentials{token: "tok-1"})
	err := exec.Execute(context.Background(), "GET", "/v1/ping", nil, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork after exhausted retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Attempts != 3 {
		t.Fatalf("expected NetworkError with 3 attempts, got %+v", err)
	}
}

func TestExecuteDoesNotRetryClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_body","message":"sendAt must be in the future"}`))
	}))
	defer server.Close()

	exec := testExecutor(server.URL, &fakeCredentials{token: "tok-1"})
	err := exec.Execute(context.Background(), "POST", "/v1/scheduled-messages", map[string]string{"body": "hi"}, nil)
	if !errors.Is(err, ErrClient) {
		t.Fatalf("expected ErrClient for 422, got %v", err)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected *ClientError, got %T", err)
	}
	if clientErr.Message != "sendAt must be in the future" {
		t.Fatalf("expected server message to be carried verbatim, got %q", clientErr.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 attempt for a 422, got %d", got)
	}
}

func TestExecuteUnauthorizedEndsSessionWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"token expired"}`))
	}))
	defer server.Close()

	creds := &fakeCredentials{token: "tok-stale"}
	exec := testExecutor(server.URL, creds)
	err := exec.Execute(context.Background(), "GET", "/v1/contacts", nil, nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for 401, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no retry on 401, got %d attempts", got)
	}
	if atomic.LoadInt32(&creds.invalidated) != 1 {
		t.Fatalf("expected credential invalidation exactly once")
	}
}

func TestExecuteAttachesBearerHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec := testExecutor(server.URL, &fakeCredentials{token: "tok-123"})
	if err := exec.Execute(context.Background(), "GET", "/v1/me", nil, nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestExecuteOmitsBearerWithoutCredential(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec := testExecutor(server.URL, &fakeCredentials{token: ""})
	if err := exec.Execute(context.Background(), "GET", "/v1/listings", nil, nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("expected no Authorization header, got %q", gotAuth)
	}
}

func TestRetryPolicyDelayIsLinear(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
	if got := policy.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %s, want 100ms", got)
	}
	if got := policy.Delay(2); got != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay = %s, want 200ms", got)
	}
	if policy.ShouldRetry(3) {
		t.Fatalf("expected no retry after attempt 3 of 3")
	}
	if !policy.ShouldRetry(2) {
		t.Fatalf("expected retry after attempt 2 of 3")
	}
}
