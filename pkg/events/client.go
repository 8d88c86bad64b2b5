// Package events implements the platform event bus client and the
// project-remove consumer cleaning up disks of deleted projects.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/apolo-us/platform-disk-api/pkg/metrics"
)

const (
	// StreamPlatformAdmin carries administrative platform events.
	StreamPlatformAdmin = "platform-admin"
	// EventTypeProjectRemove announces project deletion.
	EventTypeProjectRemove = "project-remove"

	pingInterval = 20 * time.Second
	readTimeout  = 40 * time.Second
	dialTimeout  = 10 * time.Second

	maxBackoff = time.Minute
)

var errClientClosed = errors.New("events client is closed")

// Event is a single message received from the bus.
type Event struct {
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Stream    string    `json:"stream"`
	EventType string    `json:"event_type"`
	Org       string    `json:"org"`
	Cluster   string    `json:"cluster"`
	Project   string    `json:"project"`
	User      string    `json:"user"`
}

// Handler processes one event. A nil return acknowledges the event; an error
// leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, event Event) error

// clientMessage is sent to the bus: a subscription or an acknowledgement.
type clientMessage struct {
	Type   string              `json:"type"`
	Name   string              `json:"name,omitempty"`
	Stream string              `json:"stream,omitempty"`
	Events map[string][]string `json:"events,omitempty"`
}

// serverMessage is received from the bus.
type serverMessage struct {
	Type     string  `json:"type"`
	SubscrID string  `json:"subscr_id,omitempty"`
	Events   []Event `json:"events,omitempty"`
}

// Config holds the event bus endpoint and credentials.
type Config struct {
	URL   string
	Token string
	// Name identifies this client to the bus.
	Name string

	// RetryInterval is the base reconnect backoff; doubled per attempt up
	// to a minute.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "platform-disk"
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	return c
}

// Client consumes one stream of the platform event bus over WebSocket,
// reconnecting with exponential backoff when the connection drops.
type Client struct {
	cfg    Config
	stream string

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	closeCh chan struct{}
}

// NewClient creates a client for one stream. No connection is opened until
// Run is called.
func NewClient(cfg Config, stream string) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		stream:  stream,
		closeCh: make(chan struct{}),
	}
}

// Run consumes events until the context is cancelled, dispatching each to
// the handler and acknowledging the handled ones. Connection failures are
// retried indefinitely.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	defer c.Close()

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := c.connect(ctx); err != nil {
			if errors.Is(err, errClientClosed) {
				return nil
			}
			attempt++
			backoff := c.backoff(attempt)
			klog.Errorf("Failed to connect to event bus (attempt %d, next try in %v): %v", attempt, backoff, err)
			metrics.RecordEventsReconnection()
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		klog.Infof("Connected to event bus stream %s", c.stream)

		err := c.readLoop(ctx, handler)
		metrics.SetEventsConnectionStatus(false)
		if ctx.Err() != nil || errors.Is(err, errClientClosed) {
			return nil
		}
		klog.Errorf("Event bus connection lost: %v", err)
		metrics.RecordEventsReconnection()
		if err := sleepCtx(ctx, c.backoff(1)); err != nil {
			return nil
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	backoff := c.cfg.RetryInterval << uint(attempt-1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// connect dials the bus, authenticates via bearer header and subscribes to
// the stream.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	c.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	//nolint:bodyclose // WebSocket upgrade responses carry no body to close
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	subscribe := clientMessage{Type: "subscribe", Name: c.cfg.Name, Stream: c.stream}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.stream, err)
	}
	metrics.RecordEventsMessage("sent")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	metrics.SetEventsConnectionStatus(true)
	return nil
}

// readLoop drains one connection. Returns when the connection breaks or the
// client closes.
func (c *Client) readLoop(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errClientClosed
	}
	defer conn.Close()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return errClientClosed
			}
			return fmt.Errorf("read failed: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			klog.Errorf("Failed to decode event bus message: %v", err)
			continue
		}
		if msg.Type != "recv-events" {
			klog.V(4).Infof("Ignoring event bus message of type %q", msg.Type)
			continue
		}
		metrics.RecordEventsMessage("received")

		acks := map[string][]string{}
		for _, event := range msg.Events {
			if err := handler(ctx, event); err != nil {
				klog.Errorf("Failed to handle event %s (%s): %v", event.Tag, event.EventType, err)
				continue
			}
			acks[event.Stream] = append(acks[event.Stream], event.Tag)
		}
		if len(acks) == 0 {
			continue
		}
		if err := conn.WriteJSON(clientMessage{Type: "ack", Events: acks}); err != nil {
			return fmt.Errorf("failed to ack events: %w", err)
		}
		metrics.RecordEventsMessage("sent")
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(dialTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				klog.V(4).Infof("Failed to ping event bus: %v", err)
				return
			}
		}
	}
}

// Close tears the connection down and stops Run.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = c.conn.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
