// Package remote implements roomstore.Store on top of the server's
// websocket endpoint.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/duocall/internal/roomstore"
	wsproto "github.com/tariel-x/duocall/internal/websocket"
)

const writeWait = 10 * time.Second

type remoteSub struct {
	sub  *roomstore.Subscription
	stop func() bool
}

type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wsproto.Message
	subs    map[string]*remoteSub
	closed  bool
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

var _ roomstore.Store = (*Client)(nil)

// WebsocketURL derives the store endpoint from the server base URL.
func WebsocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type DialOption func(*websocket.Dialer)

// WithTLSConfig sets the TLS configuration used for wss endpoints.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(d *websocket.Dialer) {
		d.TLSClientConfig = cfg
	}
}

func Dial(ctx context.Context, serverURL, token string, opts ...DialOption) (*Client, error) {
	endpoint, err := WebsocketURL(serverURL, token)
	if err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	for _, opt := range opts {
		opt(&dialer)
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial room store: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial room store: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan wsproto.Message),
		subs:    make(map[string]*remoteSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(roomstore.ErrClosed)
	return err
}

func (c *Client) Get(ctx context.Context, path string) (roomstore.Document, error) {
	reply, err := c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeGet, Path: path})
	if err != nil {
		return roomstore.Document{}, err
	}
	if reply.Document == nil {
		return roomstore.Document{}, fmt.Errorf("%w: %s", roomstore.ErrNotFound, path)
	}
	return *reply.Document, nil
}

func (c *Client) Set(ctx context.Context, path string, data any) error {
	raw, err := roomstore.Encode(data)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeSet, Path: path, Data: raw})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", k, err)
		}
		encoded[k] = raw
	}
	_, err := c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeUpdate, Path: path, Fields: encoded})
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeDelete, Path: path})
	return err
}

func (c *Client) Add(ctx context.Context, collection string, data any) (string, error) {
	raw, err := roomstore.Encode(data)
	if err != nil {
		return "", err
	}
	reply, err := c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeAdd, Path: collection, Data: raw})
	if err != nil {
		return "", err
	}
	return reply.DocID, nil
}

func (c *Client) List(ctx context.Context, collection string) ([]roomstore.Document, uint64, error) {
	reply, err := c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeList, Path: collection})
	if err != nil {
		return nil, 0, err
	}
	return reply.Documents, reply.Version, nil
}

func (c *Client) Commit(ctx context.Context, batch roomstore.Batch) error {
	_, err := c.roundTrip(ctx, wsproto.Message{Type: wsproto.TypeCommit, Batch: &batch})
	return err
}

func (c *Client) Subscribe(ctx context.Context, q roomstore.Query) (*roomstore.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	sub := roomstore.NewSubscription(func() {
		c.mu.Lock()
		rs := c.subs[subID]
		delete(c.subs, subID)
		closed := c.closed
		c.mu.Unlock()
		if rs != nil && rs.stop != nil {
			rs.stop()
		}
		if !closed {
			if err := c.write(wsproto.Message{Type: wsproto.TypeUnsubscribe, SubID: subID}); err != nil {
				slog.Default().Debug("room store unsubscribe failed", "sub_id", subID, "error", err)
			}
		}
	})

	// Registered before the request so the initial snapshot is never missed.
	rs := &remoteSub{sub: sub}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Cancel()
		return nil, roomstore.ErrClosed
	}
	c.subs[subID] = rs
	c.mu.Unlock()

	_, err := c.roundTrip(ctx, wsproto.Message{
		Type:       wsproto.TypeSubscribe,
		SubID:      subID,
		Path:       q.Path,
		Collection: q.Collection,
	})
	if err != nil {
		sub.Cancel()
		return nil, err
	}

	c.mu.Lock()
	rs.stop = context.AfterFunc(ctx, sub.Cancel)
	c.mu.Unlock()
	return sub, nil
}

func (c *Client) roundTrip(ctx context.Context, msg wsproto.Message) (wsproto.Message, error) {
	msg.ID = uuid.NewString()
	reply := make(chan wsproto.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wsproto.Message{}, roomstore.ErrClosed
	}
	c.pending[msg.ID] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}

	if err := c.write(msg); err != nil {
		forget()
		return wsproto.Message{}, err
	}

	select {
	case resp := <-reply:
		if err := resp.Err(); err != nil {
			return wsproto.Message{}, err
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return wsproto.Message{}, ctx.Err()
	case <-c.done:
		return wsproto.Message{}, fmt.Errorf("%w: %v", roomstore.ErrClosed, c.err)
	}
}

func (c *Client) write(msg wsproto.Message) error {
	payload, err := wsproto.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			slog.Default().Debug("room store read error", "error", err)
			c.shutdown(err)
			return
		}

		msg, err := wsproto.DecodeMessage(payload)
		if err != nil {
			slog.Default().Debug("room store bad frame", "error", err)
			continue
		}

		switch msg.Type {
		case wsproto.TypeSnapshot:
			c.mu.Lock()
			rs := c.subs[msg.SubID]
			c.mu.Unlock()
			if rs != nil && msg.Snapshot != nil {
				rs.sub.Deliver(*msg.Snapshot)
			}
		case wsproto.TypeResult, wsproto.TypeError:
			c.mu.Lock()
			reply := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if reply != nil {
				reply <- msg
			}
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		subs := make([]*roomstore.Subscription, 0, len(c.subs))
		for _, rs := range c.subs {
			subs = append(subs, rs.sub)
		}
		c.mu.Unlock()

		close(c.done)
		for _, sub := range subs {
			sub.Cancel()
		}
	})
}
