package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/models"
)

// ConnState is the liveness signal surfaced to the UI layer.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// Client maintains a live, eventually consistent mirror of the post set for
// one view. It dials the server's websocket endpoint, joins its room,
// performs a baseline fetch, and folds incoming events into its Projection.
// On transport failure it reconnects with bounded exponential backoff,
// transparently re-joining held rooms and re-running the baseline fetch.
type Client struct {
	logger *slog.Logger
	host   string
	view   View

	Projection *Projection

	httpClient    *http.Client
	adminPassword string

	// OnStateChange, if set, is invoked on every liveness transition.
	OnStateChange func(ConnState)

	// OnEvent, if set, observes every event after it has been applied to
	// the projection. Used for dashboard signals (timer, alerts) that are
	// not post state.
	OnEvent func(*events.Event)

	maxAttempts int
	maxBackoff  int

	mu    sync.Mutex
	rooms []events.Room
}

type ClientConfig struct {
	// AdminPassword authenticates the baseline fetch for the admin view.
	AdminPassword string
	MaxAttempts   int
}

func NewClient(logger *slog.Logger, host string, view View, config ClientConfig) *Client {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	c := &Client{
		logger:        logger.With("component", "sync_client", "view", string(view)),
		host:          host,
		view:          view,
		Projection:    NewProjection(view),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		adminPassword: config.AdminPassword,
		maxAttempts:   config.MaxAttempts,
		maxBackoff:    16,
		rooms:         []events.Room{view.Room()},
	}
	c.Projection.RefetchHook = func(id string) {
		if err := c.Refetch(context.Background()); err != nil {
			c.logger.Warn("refetch after approval failed", "postID", id, "error", err)
		}
	}
	return c
}

// Run connects and processes events until ctx is cancelled or the bounded
// reconnection budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	c.setState(StateConnecting)

	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("dialing failed", "error", err, "attempts", attempts)
			if err := c.retryWait(ctx, &attempts, err); err != nil {
				return err
			}
			continue
		}

		c.setState(StateConnected)

		if err := c.joinHeldRooms(conn); err != nil {
			c.logger.Warn("failed to join rooms", "error", err)
			conn.Close()
			if err := c.retryWait(ctx, &attempts, err); err != nil {
				return err
			}
			continue
		}

		// baseline fetch after subscribing, so no event between fetch and
		// subscription can be missed
		if err := c.Refetch(ctx); err != nil {
			c.logger.Warn("baseline fetch failed", "error", err)
			conn.Close()
			if err := c.retryWait(ctx, &attempts, err); err != nil {
				return err
			}
			continue
		}

		// the session counts as established only once the baseline is in
		attempts = 0

		if err := c.readLoop(ctx, conn); err != nil {
			c.logger.Warn("connection lost", "error", err)
		}
		conn.Close()
		c.setState(StateReconnecting)
	}
}

// retryWait counts a failed connection attempt against the bounded budget and
// sleeps the backoff delay. A non-nil return means the budget is exhausted or
// ctx was cancelled and Run should stop.
func (c *Client) retryWait(ctx context.Context, attempts *int, cause error) error {
	*attempts++
	if *attempts >= c.maxAttempts {
		c.setState(StateDisconnected)
		return fmt.Errorf("giving up after %d connection attempts: %w", *attempts, cause)
	}
	c.setState(StateReconnecting)
	select {
	case <-ctx.Done():
		c.setState(StateDisconnected)
		return ctx.Err()
	case <-time.After(backoff(*attempts-1, c.maxBackoff)):
		return nil
	}
}

// Refetch re-runs the baseline fetch for this view and reseeds the
// projection.
func (c *Client) Refetch(ctx context.Context) error {
	path := "/posts/approved"
	if c.view == ViewAdmin {
		path = "/posts"
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.host+path, nil)
	if err != nil {
		return err
	}
	if c.view == ViewAdmin && c.adminPassword != "" {
		req.Header.Set("X-Admin-Password", c.adminPassword)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("baseline fetch failed, status code: %d", res.StatusCode)
	}

	var posts []models.Post
	if err := json.NewDecoder(res.Body).Decode(&posts); err != nil {
		return fmt.Errorf("failed to parse baseline fetch: %w", err)
	}

	c.Projection.Seed(posts)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, websocketURLForHost(c.host)+"/ws", nil)
	return conn, err
}

func (c *Client) joinHeldRooms(conn *websocket.Conn) error {
	c.mu.Lock()
	rooms := make([]events.Room, len(c.rooms))
	copy(rooms, c.rooms)
	c.mu.Unlock()

	for _, room := range rooms {
		frame := map[string]string{"type": events.CmdJoinRoom, "room": string(room)}
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			return err
		}

		c.Projection.Apply(&evt)
		if c.OnEvent != nil {
			c.OnEvent(&evt)
		}
	}
}

func (c *Client) setState(state ConnState) {
	if c.OnStateChange != nil {
		c.OnStateChange(state)
	}
}

// backoff returns an exponentially growing delay with jitter, capped at max
// seconds.
func backoff(retries int, max int) time.Duration {
	dur := 1 << retries
	if dur > max {
		dur = max
	}

	jitter := time.Millisecond * time.Duration(rand.Intn(1000))
	return time.Second*time.Duration(dur) + jitter
}

// websocketURLForHost converts an http(s) base URL to its ws(s) equivalent.
func websocketURLForHost(host string) string {
	if strings.HasPrefix(host, "https://") {
		return "wss://" + strings.TrimPrefix(host, "https://")
	}
	if strings.HasPrefix(host, "http://") {
		return "ws://" + strings.TrimPrefix(host, "http://")
	}
	return host
}
