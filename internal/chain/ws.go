package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"yield-engine/internal/model"
)

const wsCallTimeout = 30 * time.Second

// WSClient is a JSON-RPC 2.0 client over a websocket connection, multiplexing
// calls by request id and pub-sub notifications by subscription id.
type WSClient struct {
	chain  string
	url    string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan rpcEnvelope
	subs    map[string]chan gjson.Result
	closed  bool
}

type rpcEnvelope struct {
	result gjson.Result
	err    error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// NewWSClient constructs a client; the connection is dialed lazily.
func NewWSClient(chainSlug, url string, logger zerolog.Logger) *WSClient {
	return &WSClient{
		chain:   chainSlug,
		url:     url,
		logger:  logger.With().Str("component", "ws_client").Str("chain", chainSlug).Logger(),
		pending: make(map[uint64]chan rpcEnvelope),
		subs:    make(map[string]chan gjson.Result),
	}
}

// Chain returns the chain slug this client serves.
func (c *WSClient) Chain() string { return c.chain }

// Call performs one JSON-RPC request and returns the result payload.
// Composite params are pre-encoded through MarshalParam.
func (c *WSClient) Call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	if params == nil {
		params = []any{}
	}
	for i, p := range params {
		enc, err := MarshalParam(p)
		if err != nil {
			return gjson.Result{}, &model.ChainError{Chain: c.chain, Err: fmt.Errorf("encode param %d: %w", i, err)}
		}
		params[i] = enc
	}

	c.mu.Lock()
	if err := c.ensureConnLocked(ctx); err != nil {
		c.mu.Unlock()
		return gjson.Result{}, &model.ChainError{Chain: c.chain, Err: err}
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcEnvelope, 1)
	c.pending[id] = ch
	err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.mu.Unlock()

	if err != nil {
		c.dropPending(id)
		return gjson.Result{}, &model.ChainError{Chain: c.chain, Err: err}
	}

	timeout := time.NewTimer(wsCallTimeout)
	defer timeout.Stop()

	select {
	case env := <-ch:
		if env.err != nil {
			return gjson.Result{}, &model.ChainError{Chain: c.chain, Err: env.err}
		}
		return env.result, nil
	case <-timeout.C:
		c.dropPending(id)
		return gjson.Result{}, &model.ChainError{Chain: c.chain, Err: errors.New("rpc call timed out")}
	case <-ctx.Done():
		c.dropPending(id)
		return gjson.Result{}, &model.ChainError{Chain: c.chain, Err: ctx.Err()}
	}
}

// Subscribe starts a pub-sub subscription and returns the notification
// stream plus a cancel that unsubscribes on the wire. Double cancel is a
// no-op.
func (c *WSClient) Subscribe(ctx context.Context, subMethod, unsubMethod string, params ...any) (<-chan gjson.Result, func(), error) {
	res, err := c.Call(ctx, subMethod, params...)
	if err != nil {
		return nil, nil, err
	}
	subID := res.String()
	if subID == "" {
		return nil, nil, &model.ChainError{Chain: c.chain, Err: fmt.Errorf("%s returned no subscription id", subMethod)}
	}

	ch := make(chan gjson.Result, 16)
	c.mu.Lock()
	c.subs[subID] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, subID)
			c.mu.Unlock()
			close(ch)

			unsubCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if _, err := c.Call(unsubCtx, unsubMethod, subID); err != nil {
				c.logger.Debug().Err(err).Str("sub", subID).Msg("unsubscribe failed")
			}
		})
	}
	return ch, cancel, nil
}

// Close tears down the connection and fails every pending call.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- rpcEnvelope{err: errors.New("connection closed")}
		delete(c.pending, id)
	}
}

func (c *WSClient) ensureConnLocked(ctx context.Context) error {
	if c.closed {
		return errors.New("client closed")
	}
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.failAll(conn, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *WSClient) dispatch(raw []byte) {
	msg := gjson.ParseBytes(raw)

	if id := msg.Get("id"); id.Exists() && id.Uint() != 0 {
		c.mu.Lock()
		ch, ok := c.pending[id.Uint()]
		delete(c.pending, id.Uint())
		c.mu.Unlock()
		if !ok {
			return
		}
		if rpcErr := msg.Get("error"); rpcErr.Exists() {
			ch <- rpcEnvelope{err: fmt.Errorf("rpc error %d: %s", rpcErr.Get("code").Int(), rpcErr.Get("message").String())}
			return
		}
		ch <- rpcEnvelope{result: msg.Get("result")}
		return
	}

	// Pub-sub notification. The lookup and the non-blocking send stay under
	// one lock hold; cancel removes the entry under the same lock before
	// closing the channel, so a send never races the close.
	subID := msg.Get("params.subscription").String()
	if subID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[subID]
	if !ok {
		return
	}
	select {
	case ch <- msg.Get("params.result"):
	default:
		c.logger.Debug().Str("sub", subID).Msg("dropping notification, subscriber is behind")
	}
}

func (c *WSClient) failAll(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- rpcEnvelope{err: err}
		delete(c.pending, id)
	}
	if !c.closed {
		c.logger.Warn().Err(err).Msg("websocket read loop terminated")
	}
}

func (c *WSClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// MarshalParam encodes a value the way substrate RPC expects composite
// parameters (JSON-encoded inline).
func MarshalParam(v any) (any, error) {
	switch v.(type) {
	case string, bool, float64, int, int64, uint64:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
}

var _ Caller = (*WSClient)(nil)
