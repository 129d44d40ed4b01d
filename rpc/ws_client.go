// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ava-labs/rollupcounter/codec"
)

type wsRequest struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsResponse struct {
	result json.RawMessage
	err    error
}

type wsMessage struct {
	ID     *uint64             `json:"id"`
	Method string              `json:"method"`
	Result json.RawMessage     `json:"result"`
	Error  *json2.Error        `json:"error"`
	Params *notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// WSClient multiplexes account subscriptions over one websocket.
type WSClient struct {
	conn *websocket.Conn
	log  logging.Logger

	wl sync.Mutex

	mu          sync.Mutex
	nextID      uint64
	pending     map[uint64]chan wsResponse
	pendingSubs map[uint64]*AccountSubscription
	subs        map[uint64]*AccountSubscription
	err         error

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the push endpoint at [uri].
func DialWS(ctx context.Context, uri string, log logging.Logger) (*WSClient, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", uri, err)
	}
	c := &WSClient{
		conn:        conn,
		log:         log,
		pending:     make(map[uint64]chan wsResponse),
		pendingSubs: make(map[uint64]*AccountSubscription),
		subs:        make(map[uint64]*AccountSubscription),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it has.
func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// AccountSubscribe starts receiving change notifications for [addr].
func (c *WSClient) AccountSubscribe(ctx context.Context, addr codec.Address, commitment string) (*AccountSubscription, error) {
	sub := &AccountSubscription{
		c:       c,
		account: addr,
		ch:      make(chan AccountNotification, notificationBuffer),
	}
	result, err := c.call(ctx, MethodAccountSubscribe, []interface{}{
		addr.String(),
		accountConfig{Encoding: EncodingBase64, Commitment: commitment},
	}, sub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)
	}
	c.log.Debug("subscribed to account",
		zap.Stringer("account", addr),
		zap.ByteString("subscription", result),
	)
	return sub, nil
}

func (c *WSClient) call(ctx context.Context, method string, params []interface{}, sub *AccountSubscription) (json.RawMessage, error) {
	reply := make(chan wsResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = reply
	if sub != nil {
		c.pendingSubs[id] = sub
	}
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.pendingSubs, id)
		// The server may have confirmed after the caller gave up.
		if sub != nil && c.subs[sub.id] == sub {
			delete(c.subs, sub.id)
			sub.close()
		}
		c.mu.Unlock()
	}

	if err := c.write(wsRequest{Version: "2.0", ID: id, Method: method, Params: params}); err != nil {
		cleanup()
		return nil, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.done:
		cleanup()
		return nil, ErrClosed
	}
}

func (c *WSClient) write(v interface{}) error {
	c.wl.Lock()
	defer c.wl.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *WSClient) readLoop() {
	var err error
	defer func() {
		_ = c.conn.Close()
		c.shutdown(err)
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	if err = c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var raw []byte
		_, raw, err = c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("unexpected close in websockets", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if jerr := json.Unmarshal(raw, &msg); jerr != nil {
			c.log.Debug("dropping malformed websocket message", zap.Error(jerr))
			continue
		}
		switch {
		case msg.ID != nil:
			c.handleResponse(*msg.ID, &msg)
		case msg.Method == MethodAccountNotification && msg.Params != nil:
			c.handleNotification(msg.Params)
		default:
			c.log.Debug("ignoring websocket message", zap.String("method", msg.Method))
		}
	}
}

func (c *WSClient) handleResponse(id uint64, msg *wsMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	sub := c.pendingSubs[id]
	delete(c.pendingSubs, id)

	if msg.Error != nil {
		reply <- wsResponse{err: msg.Error}
		return
	}
	// Register before reading further so no notification can be missed.
	if sub != nil {
		var subID uint64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			reply <- wsResponse{err: fmt.Errorf("%w: subscription id: %w", ErrUnexpectedReply, err)}
			return
		}
		sub.id = subID
		c.subs[subID] = sub
	}
	reply <- wsResponse{result: msg.Result}
}

func (c *WSClient) handleNotification(p *notificationParams) {
	n := decodeNotification(p.Result)

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[p.Subscription]
	if !ok {
		return
	}
	sub.deliver(n)
}

func decodeNotification(raw json.RawMessage) AccountNotification {
	var payload AccountInfoReply
	if err := json.Unmarshal(raw, &payload); err != nil {
		return AccountNotification{Err: fmt.Errorf("%w: %w", ErrDecode, err)}
	}
	n := AccountNotification{Slot: payload.Context.Slot}
	if payload.Value == nil {
		return n
	}
	n.Account, n.Err = payload.Value.Decode()
	return n
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wl.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wl.Unlock()
			if err != nil {
				c.log.Debug("failed to ping", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
	}
	for id, reply := range c.pending {
		reply <- wsResponse{err: ErrClosed}
		delete(c.pending, id)
	}
	for id := range c.pendingSubs {
		delete(c.pendingSubs, id)
	}
	for id, sub := range c.subs {
		sub.close()
		delete(c.subs, id)
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Close tears down the connection and every subscription on it.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		c.wl.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.wl.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// AccountSubscription delivers notifications for one account. Slow readers
// lose the oldest buffered notification, never the newest.
type AccountSubscription struct {
	c       *WSClient
	account codec.Address
	id      uint64
	ch      chan AccountNotification
	closed  bool
}

func (s *AccountSubscription) Account() codec.Address {
	return s.account
}

// Notifications is closed when the subscription or its connection ends.
func (s *AccountSubscription) Notifications() <-chan AccountNotification {
	return s.ch
}

// deliver must be called with the client lock held.
func (s *AccountSubscription) deliver(n AccountNotification) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- n:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// close must be called with the client lock held.
func (s *AccountSubscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Unsubscribe stops delivery and tells the server. It is safe to call more
// than once and after the connection has closed.
func (s *AccountSubscription) Unsubscribe(ctx context.Context) error {
	c := s.c
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, s.id)
	s.close()
	closed := c.err != nil
	c.mu.Unlock()

	if closed {
		return nil
	}
	_, err := c.call(ctx, MethodAccountUnsubscribe, []interface{}{s.id}, nil)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
