// Package realtime maintains the server-push connection that keeps the
// entity store live while a session is authenticated. The channel never
// reconnects on its own: a fresh Authenticated session transition triggers a
// fresh connect, and logout forces a synchronous close.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/beaconcrm/beacon-core/internal/api"
	"github.com/beaconcrm/beacon-core/internal/entity"
)

type ChannelState string

const (
	StateClosed     ChannelState = "closed"
	StateConnecting ChannelState = "connecting"
	StateOpen       ChannelState = "open"
)

const (
	eventEntityChanged = "entity-changed"
	eventPlanUpdated   = "plan-updated"
)

// Handler receives recognized push events. Implemented by the core, which
// maps them onto orchestrator scoped refreshes.
type Handler interface {
	HandleEntityChanged(ctx context.Context, collection entity.Collection, id string)
	HandlePlanUpdated(ctx context.Context)
}

type eventFrame struct {
	Type       string `json:"type"`
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id,omitempty"`
}

type ChannelOptions struct {
	// URL is the websocket connect endpoint, e.g. wss://host/v1/stream. The
	// credential is appended as a query parameter.
	URL     string
	Handler Handler
	Logger  zerolog.Logger
}

type Channel struct {
	url     string
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	state  ChannelState
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewChannel(opts ChannelOptions) *Channel {
	c := &Channel{
		url:     strings.TrimSpace(opts.URL),
		handler: opts.Handler,
		logger:  opts.Logger,
		state:   StateClosed,
	}
	return c
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the push endpoint with the given credential and, on success,
// starts the read loop. Only valid from Closed; a failed dial returns to
// Closed and surfaces ErrChannel without retrying.
func (c *Channel) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return &api.ChannelError{Cause: fmt.Errorf("connect from state %s", c.state)}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	connectURL, err := c.connectURL(credential)
	if err != nil {
		c.toClosed(nil)
		return &api.ChannelError{Cause: err}
	}
	conn, _, err := websocket.Dial(ctx, connectURL, nil)
	if err != nil {
		c.toClosed(nil)
		return &api.ChannelError{Cause: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state != StateConnecting {
		// ForceClose won the race while we were dialing.
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		return &api.ChannelError{Cause: fmt.Errorf("closed during connect")}
	}
	c.state = StateOpen
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info().Msg("realtime channel open")
	go c.readLoop(readCtx, conn)
	return nil
}

// ForceClose transitions to Closed immediately, even if the transport has not
// signaled closure, so no connection outlives its credential.
func (c *Channel) ForceClose() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.state = StateClosed
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.toClosed(conn)
			if ctx.Err() == nil {
				c.logger.Warn().Err(&api.ChannelError{Cause: err}).Msg("realtime channel lost")
			}
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	if err := validateEventFrame(data); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed realtime event")
		return
	}
	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable realtime event")
		return
	}
	switch frame.Type {
	case eventEntityChanged:
		collection, ok := recognizedCollection(frame.Collection)
		if !ok {
			c.logger.Debug().Str("collection", frame.Collection).Msg("ignoring event for unknown collection")
			return
		}
		c.handler.HandleEntityChanged(ctx, collection, frame.ID)
	case eventPlanUpdated:
		c.handler.HandlePlanUpdated(ctx)
	default:
		// Forward-compatible: unrecognized event kinds are ignored.
		c.logger.Debug().Str("type", frame.Type).Msg("ignoring unrecognized realtime event")
	}
}

// toClosed transitions to Closed after a transport-side termination. The conn
// argument guards against closing a newer connection: the state only changes
// when the current conn is still the one that died (or nil for dial
// failures from Connecting).
func (c *Channel) toClosed(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != nil && c.conn != conn {
		return
	}
	c.state = StateClosed
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Channel) connectURL(credential string) (string, error) {
	parsed, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	q.Set("token", credential)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func recognizedCollection(name string) (entity.Collection, bool) {
	for _, collection := range entity.Collections() {
		if string(collection) == name {
			return collection, true
		}
	}
	return "", false
}
