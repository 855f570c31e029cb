// Package core assembles the client core: session manager, request executor,
// entity store, synchronization orchestrator, and realtime channel. One Core
// is constructed per process and handed to consumers by reference; it is the
// single lifecycle owner for everything underneath it.
package core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beaconcrm/beacon-core/internal/api"
	"github.com/beaconcrm/beacon-core/internal/config"
	"github.com/beaconcrm/beacon-core/internal/entity"
	"github.com/beaconcrm/beacon-core/internal/realtime"
	"github.com/beaconcrm/beacon-core/internal/session"
	"github.com/beaconcrm/beacon-core/internal/store"
	"github.com/beaconcrm/beacon-core/internal/syncer"
)

const connectTimeout = 10 * time.Second

type Options struct {
	Config config.Config
	Logger zerolog.Logger
	// HTTPClient overrides the executor's transport, for tests.
	HTTPClient *http.Client
	// Credentials overrides the credential backend, for tests.
	Credentials session.CredentialStore
}

type Core struct {
	cfg     config.Config
	logger  zerolog.Logger
	creds   session.CredentialStore
	session *session.Manager
	store   *store.Store
	sync    *syncer.Orchestrator
	channel *realtime.Channel

	unsubscribe func()

	mu            sync.Mutex
	sessionCancel context.CancelFunc
}

func New(opts Options) (*Core, error) {
	creds := opts.Credentials
	if creds == nil {
		var err error
		creds, err = session.BuildCredentialStoreFromDSN(opts.Config.CredentialDSN, opts.Config.CredentialPath)
		if err != nil {
			return nil, err
		}
	}

	manager := session.NewManager(session.ManagerOptions{
		Credentials:   creds,
		CredentialTTL: opts.Config.CredentialTTL,
		Logger:        opts.Logger,
	})
	executor := api.NewExecutor(api.ExecutorOptions{
		BaseURL:     opts.Config.APIBaseURL,
		Credentials: manager,
		HTTPClient:  opts.HTTPClient,
		Retry: api.RetryPolicy{
			MaxAttempts: opts.Config.RetryAttempts,
			BaseDelay:   opts.Config.RetryBaseDelay,
		},
		Logger: opts.Logger,
	})
	client := api.NewHTTPClient(executor)
	manager.BindResolver(client)

	st := store.New()
	orchestrator := syncer.NewOrchestrator(client, st, opts.Logger)

	c := &Core{
		cfg:     opts.Config,
		logger:  opts.Logger,
		creds:   creds,
		session: manager,
		store:   st,
		sync:    orchestrator,
	}
	c.channel = realtime.NewChannel(realtime.ChannelOptions{
		URL:     opts.Config.RealtimeURL,
		Handler: c,
		Logger:  opts.Logger,
	})
	c.unsubscribe = manager.OnTransition(c.handleTransition)
	return c, nil
}

func (c *Core) Session() *session.Manager { return c.session }

func (c *Core) Store() *store.Store { return c.store }

func (c *Core) Sync() *syncer.Orchestrator { return c.sync }

func (c *Core) Channel() *realtime.Channel { return c.channel }

func (c *Core) Credentials() session.CredentialStore { return c.creds }

// Start restores a persisted session, if any, and runs the initial full
// refresh. Safe to call once at process start.
func (c *Core) Start(ctx context.Context) error {
	_, restored, err := c.session.RestoreSession(ctx)
	if err != nil {
		return err
	}
	if !restored {
		c.logger.Info().Msg("no restorable session, waiting for login")
	}
	return nil
}

// Close shuts the core down without logging the user out: the realtime
// channel closes and pending work is abandoned, but the persisted credential
// stays for the next start.
func (c *Core) Close() error {
	c.unsubscribe()
	c.mu.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	c.mu.Unlock()
	c.channel.ForceClose()
	return c.creds.Close()
}

func (c *Core) handleTransition(t session.Transition) {
	switch t.State {
	case session.StateAuthenticated:
		c.mu.Lock()
		if c.sessionCancel != nil {
			c.sessionCancel()
		}
		sessionCtx, cancel := context.WithCancel(context.Background())
		c.sessionCancel = cancel
		c.mu.Unlock()

		c.channel.ForceClose()
		dialCtx, dialCancel := context.WithTimeout(sessionCtx, connectTimeout)
		if err := c.channel.Connect(dialCtx, t.Token); err != nil {
			c.logger.Warn().Err(err).Msg("realtime connect failed; continuing without push")
		}
		dialCancel()
		go c.sync.RefreshAll(sessionCtx)

	case session.StateUnauthenticated:
		c.mu.Lock()
		if c.sessionCancel != nil {
			c.sessionCancel()
			c.sessionCancel = nil
		}
		c.mu.Unlock()
		c.channel.ForceClose()
		c.store.Reset()
	}
}

// HandleEntityChanged implements realtime.Handler: a push event maps onto the
// narrowest scoped refresh available for the implicated collection.
func (c *Core) HandleEntityChanged(ctx context.Context, collection entity.Collection, id string) {
	var err error
	switch {
	case id == "":
		err = c.sync.RefreshCollection(ctx, collection)
	case collection == entity.Conversations:
		err = c.sync.RefreshConversation(ctx, id)
	case collection == entity.Contacts:
		err = c.sync.RefreshContact(ctx, id)
	case collection == entity.ScheduledMessages:
		err = c.sync.RefreshScheduledMessagesFor(ctx, id)
	default:
		err = c.sync.RefreshCollection(ctx, collection)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("collection", string(collection)).Str("id", id).
			Msg("push-triggered refresh failed")
	}
}

// HandlePlanUpdated implements realtime.Handler: plan changes live on the
// identity, so re-fetch it.
func (c *Core) HandlePlanUpdated(ctx context.Context) {
	if _, err := c.session.RefreshIdentity(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("identity refresh after plan update failed")
	}
}

// RunCredentialWatcher keeps this process in step with other shells sharing
// the credential file. Only meaningful with the file backend; with any other
// backend it returns immediately.
func (c *Core) RunCredentialWatcher(ctx context.Context) error {
	fileStore, ok := c.creds.(*session.FileCredentialStore)
	if !ok {
		return nil
	}
	watcher, err := session.NewCredentialWatcher(fileStore, c.logger)
	if err != nil {
		return err
	}
	defer watcher.Close()
	watcher.Run(ctx, func(event session.CredentialEvent) {
		switch event {
		case session.CredentialRemoved:
			if c.session.State() == session.StateAuthenticated {
				c.session.EndSession()
			}
		case session.CredentialChanged:
			if c.session.State() == session.StateUnauthenticated {
				if _, _, err := c.session.RestoreSession(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("restore after external credential change failed")
				}
			}
		}
	})
	return nil
}
