package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(baseURL string) *HTTPClient {
	return NewHTTPClient(NewExecutor(ExecutorOptions{
		BaseURL:     baseURL,
		Credentials: &fakeCredentials{token: "tok-1"},
		Retry:       RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Logger:      zerolog.Nop(),
	}))
}

func TestFetchIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/me" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u1","email":"a@b.c","onboardingComplete":true,"onboarding":{"step":3,"connected":true,"imported":true}}`))
	}))
	defer server.Close()

	user, err := testClient(server.URL).FetchIdentity(context.Background())
	if err != nil {
		t.Fatalf("fetch identity failed: %v", err)
	}
	if user.ID != "u1" || !user.OnboardingComplete || user.Onboarding.Step != 3 {
		t.Fatalf("unexpected identity: %+v", user)
	}
}

func TestSearchContactsPayload(t *testing.T) {
	var got SearchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/contacts/search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode search payload: %v", err)
		}
		_, _ = w.Write([]byte(`[{"id":"c1","firstName":"Ada","lastName":"L"}]`))
	}))
	defer server.Close()

	results, err := testClient(server.URL).SearchContacts(context.Background(), SearchRequest{
		NaturalLanguageQuery: "buyers near downtown",
		Tags:                 []string{"buyer", "hot"},
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if got.NaturalLanguageQuery != "buyers near downtown" || len(got.Tags) != 2 {
		t.Fatalf("unexpected payload forwarded: %+v", got)
	}
	if len(results) != 1 || results[0].ID != "c1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestListScheduledMessagesForForwardsContactID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scheduled-messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("contactId") != "c7" {
			t.Fatalf("expected contactId query, got %q", r.URL.Query().Get("contactId"))
		}
		_, _ = w.Write([]byte(`[{"id":"m1","contactId":"c7","body":"hi","sendAt":"2026-09-02T10:00:00Z"}]`))
	}))
	defer server.Close()

	msgs, err := testClient(server.URL).ListScheduledMessagesFor(context.Background(), "c7")
	if err != nil {
		t.Fatalf("list scheduled messages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ContactID != "c7" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}
