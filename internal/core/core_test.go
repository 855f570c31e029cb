package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/beaconcrm/beacon-core/internal/api"
	"github.com/beaconcrm/beacon-core/internal/config"
	"github.com/beaconcrm/beacon-core/internal/entity"
	"github.com/beaconcrm/beacon-core/internal/realtime"
	"github.com/beaconcrm/beacon-core/internal/session"
	"github.com/beaconcrm/beacon-core/internal/store"
)

// fakeBackend serves the REST surface and the push endpoint from one
// httptest server, the way the real service does.
type fakeBackend struct {
	mu         sync.Mutex
	token      string
	contacts   []entity.Contact
	pushFrames chan string
	meCalls    int
}

func newFakeBackend(token string) *fakeBackend {
	return &fakeBackend{token: token, pushFrames: make(chan string, 8)}
}

func (b *fakeBackend) currentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != b.currentToken() {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for frame := range b.pushFrames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.currentToken() {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"code": "unauthorized", "message": "invalid token"})
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.URL.Path == "/v1/me":
			b.meCalls++
			json.NewEncoder(w).Encode(entity.User{ID: "u1", Email: "a@example.com", Plan: "pro"})
		case r.URL.Path == "/v1/contacts":
			json.NewEncoder(w).Encode(b.contacts)
		case strings.HasPrefix(r.URL.Path, "/v1/contacts/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/contacts/")
			for _, c := range b.contacts {
				if c.ID == id {
					json.NewEncoder(w).Encode(c)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"code": "not_found", "message": "no such contact"})
		default:
			// Remaining collections are empty in these tests.
			w.Write([]byte("[]"))
		}
	})
	return mux
}

func newTestCore(t *testing.T, server *httptest.Server, creds session.CredentialStore) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.APIBaseURL = server.URL
	cfg.RealtimeURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream"
	cfg.RetryBaseDelay = time.Millisecond
	c, err := New(Options{
		Config:      cfg,
		Logger:      zerolog.Nop(),
		Credentials: creds,
	})
	if err != nil {
		t.Fatalf("core init failed: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRestoresSessionAndRefreshes(t *testing.T) {
	backend := newFakeBackend("tok-123")
	backend.contacts = []entity.Contact{{ID: "c1", FirstName: "Ada"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	if err := creds.Save(session.Credential{Token: "tok-123", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	c := newTestCore(t, server, creds)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if c.Session().State() != session.StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", c.Session().State())
	}
	user, ok := c.Session().CurrentUser()
	if !ok || user.ID != "u1" {
		t.Fatalf("current user = %+v, %v", user, ok)
	}
	if c.Channel().State() != realtime.StateOpen {
		t.Fatalf("channel state = %s, want open after authentication", c.Channel().State())
	}
	waitFor(t, "initial full refresh", func() bool {
		_, ok := c.Store().Lookup(entity.Contacts, "c1")
		return ok
	})
}

func TestStartWithoutCredentialStaysLoggedOut(t *testing.T) {
	backend := newFakeBackend("tok-123")
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	c := newTestCore(t, server, session.NewInMemoryCredentialStore())
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if c.Session().State() != session.StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", c.Session().State())
	}
	if c.Channel().State() != realtime.StateClosed {
		t.Fatalf("channel must stay closed without a session")
	}
}

func TestLoginThenLogoutTearsEverythingDown(t *testing.T) {
	backend := newFakeBackend("tok-123")
	backend.contacts = []entity.Contact{{ID: "c1"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	c := newTestCore(t, server, creds)
	defer c.Close()

	if _, err := c.Session().BeginSession(context.Background(), "tok-123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, "refresh after login", func() bool {
		_, ok := c.Store().Lookup(entity.Contacts, "c1")
		return ok
	})

	var sawReset bool
	unsubscribe := c.Store().Subscribe(func(change store.Change) {
		if change.Kind == store.ChangeReset {
			sawReset = true
		}
	})
	defer unsubscribe()

	c.Session().EndSession()

	if c.Session().State() != session.StateUnauthenticated {
		t.Fatalf("state after logout = %s", c.Session().State())
	}
	if c.Channel().State() != realtime.StateClosed {
		t.Fatalf("channel state after logout = %s, want closed", c.Channel().State())
	}
	if !sawReset {
		t.Fatalf("expected store reset on logout")
	}
	if got := c.Store().Collection(entity.Contacts); len(got) != 0 {
		t.Fatalf("store not cleared on logout: %v", got)
	}
	if cred, err := creds.Load(); err != nil || cred != nil {
		t.Fatalf("persisted credential must be cleared on logout, got %+v, %v", cred, err)
	}
}

func TestRejectedRestoreLeavesCoreLoggedOut(t *testing.T) {
	backend := newFakeBackend("tok-good")
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	if err := creds.Save(session.Credential{Token: "tok-revoked", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	c := newTestCore(t, server, creds)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start must not fail on a rejected credential: %v", err)
	}
	if c.Session().State() != session.StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated after rejection", c.Session().State())
	}
	if c.Channel().State() != realtime.StateClosed {
		t.Fatalf("channel must stay closed after rejected restore")
	}
	if cred, err := creds.Load(); err != nil || cred != nil {
		t.Fatalf("rejected credential must be cleared, got %+v, %v", cred, err)
	}
}

func TestMidSessionRejectionTearsDownGlobally(t *testing.T) {
	backend := newFakeBackend("tok-123")
	backend.contacts = []entity.Contact{{ID: "c1"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	c := newTestCore(t, server, creds)
	defer c.Close()

	if _, err := c.Session().BeginSession(context.Background(), "tok-123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, "initial refresh", func() bool {
		_, ok := c.Store().Lookup(entity.Contacts, "c1")
		return ok
	})

	// The server revokes the token; the next request 401s.
	backend.mu.Lock()
	backend.token = "tok-rotated"
	backend.mu.Unlock()

	err := c.Sync().RefreshContact(context.Background(), "c1")
	if !errors.Is(err, api.ErrAuthentication) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if c.Session().State() != session.StateUnauthenticated {
		t.Fatalf("401 must tear the session down, state = %s", c.Session().State())
	}
	if c.Channel().State() != realtime.StateClosed {
		t.Fatalf("401 must close the channel, state = %s", c.Channel().State())
	}
	if got := c.Store().Collection(entity.Contacts); len(got) != 0 {
		t.Fatalf("store must reset on forced logout, got %v", got)
	}
	if cred, loadErr := creds.Load(); loadErr != nil || cred != nil {
		t.Fatalf("credential must be cleared on forced logout, got %+v, %v", cred, loadErr)
	}
}

func TestPushEventTriggersScopedRefresh(t *testing.T) {
	backend := newFakeBackend("tok-123")
	backend.contacts = []entity.Contact{{ID: "c1", FirstName: "Ada"}}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	c := newTestCore(t, server, creds)
	defer c.Close()

	if _, err := c.Session().BeginSession(context.Background(), "tok-123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	waitFor(t, "initial refresh", func() bool {
		_, ok := c.Store().Lookup(entity.Contacts, "c1")
		return ok
	})

	backend.mu.Lock()
	backend.contacts = []entity.Contact{{ID: "c1", FirstName: "Ada", Stage: "client"}}
	backend.mu.Unlock()

	backend.pushFrames <- `{"type":"entity-changed","collection":"contacts","id":"c1"}`
	waitFor(t, "scoped refresh from push event", func() bool {
		rec, ok := c.Store().Lookup(entity.Contacts, "c1")
		return ok && rec.(entity.Contact).Stage == "client"
	})
}

func TestPlanUpdatedRefreshesIdentity(t *testing.T) {
	backend := newFakeBackend("tok-123")
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	c := newTestCore(t, server, creds)
	defer c.Close()

	if _, err := c.Session().BeginSession(context.Background(), "tok-123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	backend.mu.Lock()
	callsBefore := backend.meCalls
	backend.mu.Unlock()

	backend.pushFrames <- `{"type":"plan-updated"}`
	waitFor(t, "identity refresh from plan update", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.meCalls > callsBefore
	})
}

func TestCloseKeepsCredential(t *testing.T) {
	backend := newFakeBackend("tok-123")
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()
	defer close(backend.pushFrames)

	creds := session.NewInMemoryCredentialStore()
	c := newTestCore(t, server, creds)

	if _, err := c.Session().BeginSession(context.Background(), "tok-123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if c.Channel().State() != realtime.StateClosed {
		t.Fatalf("channel state after close = %s", c.Channel().State())
	}
	cred, err := creds.Load()
	if err != nil || cred == nil || cred.Token != "tok-123" {
		t.Fatalf("shutdown must not log out; credential = %+v, %v", cred, err)
	}
}
