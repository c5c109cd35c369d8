package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/tree"
)

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("realtime client closed")

// ClientConfig holds configuration for a remote client.
type ClientConfig struct {
	// Logger for client activity
	Logger *log.Logger
}

// Client is a remote tree source. It implements source.Source with
// KindTree; snapshots are rebuilt from the wire form, so child order is
// the server's order.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
	subs    map[uint64]*remoteSub
	err     error
}

type remoteSub struct {
	ref tree.Ref
	box *source.Mailbox
}

// Dial connects to the server's WebSocket endpoint, e.g.
// "ws://localhost:8080/ws".
func Dial(ctx context.Context, url string, config *ClientConfig) (*Client, error) {
	if config == nil {
		config = &ClientConfig{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	// Snapshots of large subtrees exceed the default read limit.
	conn.SetReadLimit(16 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		logger:  config.Logger,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Message),
		subs:    make(map[uint64]*remoteSub),
	}
	go c.readLoop()
	return c, nil
}

// Kind implements source.Source.
func (c *Client) Kind() source.Kind {
	return source.KindTree
}

// Close disconnects from the server. Open subscriptions receive an
// unavailable error.
func (c *Client) Close() error {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var msg Message
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	if ch, ok := c.pending[msg.ID]; ok {
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		ch <- msg
		return
	}
	sub, ok := c.subs[msg.ID]
	c.mu.Unlock()

	if !ok {
		return
	}
	switch msg.Type {
	case MessageTypeSnapshot:
		sub.box.Next(tree.FromNode(sub.ref, msg.Node))
	case MessageTypeError:
		sub.box.Fail(remoteError("subscribe", sub.ref, msg))
	}
}

// shutdown fails everything in flight once the connection is gone.
// Subscriptions get a final error and stay registered with their
// mailbox until the subscriber cancels.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = cause
	}
	pending := c.pending
	subs := c.subs
	c.pending = make(map[uint64]chan Message)
	c.subs = make(map[uint64]*remoteSub)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if c.ctx.Err() != nil {
		cause = ErrClientClosed
	} else {
		c.logger.Printf("Connection lost: %v", cause)
	}
	for _, sub := range subs {
		sub.box.Fail(source.NewError("subscribe", sub.ref, source.CodeUnavailable, cause))
	}
}

// Get implements source.Source. The read mode is ignored; the server has a
// single copy.
func (c *Client) Get(ctx context.Context, ref source.Reference, _ source.GetOptions) (source.Snapshot, error) {
	r, err := tree.ToRef("get", ref)
	if err != nil {
		return nil, err
	}
	return c.Read(ctx, r)
}

// Read reads ref once.
func (c *Client) Read(ctx context.Context, ref tree.Ref) (*tree.Snapshot, error) {
	msg, err := c.call(ctx, Request{Type: RequestGet, Path: ref.Path()})
	if err != nil {
		return nil, err
	}
	return tree.FromNode(ref, msg.Node), nil
}

// Set replaces the value at ref.
func (c *Client) Set(ctx context.Context, ref tree.Ref, value any) error {
	_, err := c.call(ctx, Request{Type: RequestSet, Path: ref.Path(), Value: value})
	return err
}

// Push appends value below ref and returns the new child's location.
func (c *Client) Push(ctx context.Context, ref tree.Ref, value any) (tree.Ref, error) {
	msg, err := c.call(ctx, Request{Type: RequestPush, Path: ref.Path(), Value: value})
	if err != nil {
		return tree.Ref{}, err
	}
	return tree.ParseRef(msg.Path)
}

// Remove deletes ref.
func (c *Client) Remove(ctx context.Context, ref tree.Ref) error {
	_, err := c.call(ctx, Request{Type: RequestRemove, Path: ref.Path()})
	return err
}

// call sends req and waits for the reply with the same id.
func (c *Client) call(ctx context.Context, req Request) (Message, error) {
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, source.NewError(string(req.Type), tree.NewRef(req.Path), source.CodeUnavailable, err)
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Message{}, source.NewError(string(req.Type), tree.NewRef(req.Path), source.CodeUnavailable, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, source.NewError(string(req.Type), tree.NewRef(req.Path), source.CodeUnavailable, ErrClientClosed)
		}
		if msg.Type == MessageTypeError {
			return Message{}, remoteError(string(req.Type), tree.NewRef(req.Path), msg)
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// Subscribe implements source.Source. Deliveries come from the subscription's
// own goroutine in the server's order.
func (c *Client) Subscribe(ref source.Reference, onNext func(source.Snapshot), onError func(error), _ source.ListenOptions) (source.CancelFunc, error) {
	r, err := tree.ToRef("subscribe", ref)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, source.NewError("subscribe", r, source.CodeUnavailable, err)
	}
	c.nextID++
	id := c.nextID
	sub := &remoteSub{ref: r}
	sub.box = source.NewMailbox(onNext, onError, func() {
		c.release(id)
	})
	c.subs[id] = sub
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, Request{ID: id, Type: RequestSubscribe, Path: r.Path()}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.box.Cancel()
		return nil, source.NewError("subscribe", r, source.CodeUnavailable, err)
	}

	return sub.box.Cancel, nil
}

// release forgets a cancelled subscription and tells the server, without
// waiting for the write.
func (c *Client) release(id uint64) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		defer cancel()
		if err := wsjson.Write(ctx, c.conn, Request{ID: id, Type: RequestUnsubscribe}); err != nil && c.ctx.Err() == nil {
			c.logger.Printf("Warning: failed to unsubscribe %d: %v", id, err)
		}
	}()
}

// SubscriptionCount returns the number of open subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func remoteError(op string, ref tree.Ref, msg Message) error {
	return source.NewError(op, ref, parseCode(msg.Code), errors.New(msg.Error))
}
