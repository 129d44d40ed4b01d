// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledgertest

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/rpc"
)

type wsConn struct {
	conn *websocket.Conn
	wl   sync.Mutex

	// guarded by Ledger.mu
	subs map[uint64]codec.Address
}

type notification struct {
	Version string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription uint64      `json:"subscription"`
	Result       interface{} `json:"result"`
}

func (c *wsConn) write(v interface{}) error {
	c.wl.Lock()
	defer c.wl.Unlock()
	return c.conn.WriteJSON(v)
}

func (l *Ledger) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn, subs: make(map[uint64]codec.Address)}
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := response{Version: "2.0", ID: req.ID}
		resp.Result, resp.Error = l.dispatchWS(c, &req)
		if err := c.write(resp); err != nil {
			return
		}
	}
}

func (l *Ledger) dispatchWS(c *wsConn, req *request) (interface{}, *rpcError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[req.Method]++

	switch req.Method {
	case rpc.MethodAccountSubscribe:
		addr, err := addressParam(req.Params)
		if err != nil {
			return nil, err
		}
		l.nextSub++
		c.subs[l.nextSub] = addr
		return l.nextSub, nil
	case rpc.MethodAccountUnsubscribe:
		if len(req.Params) == 0 {
			return nil, &rpcError{Code: codeInvalidParams, Message: "missing subscription"}
		}
		var id uint64
		if err := json.Unmarshal(req.Params[0], &id); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		_, ok := c.subs[id]
		delete(c.subs, id)
		return ok, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "Method not found"}
	}
}

// Subscriptions returns the number of live account subscriptions.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for c := range l.conns {
		n += len(c.subs)
	}
	return n
}

func (l *Ledger) notify(addr codec.Address, slot uint64, acct *rpc.Account) {
	reply := rpc.AccountInfoReply{Context: rpc.Context{Slot: slot}}
	if acct != nil {
		reply.Value = rpc.EncodeAccount(acct)
	}
	l.Notify(addr, reply)
}

// Notify pushes [result] verbatim as the payload of an account
// notification to every subscriber of [addr]. Tests use it to replay or
// corrupt payloads.
func (l *Ledger) Notify(addr codec.Address, result interface{}) {
	type target struct {
		c  *wsConn
		id uint64
	}
	var targets []target
	l.mu.Lock()
	for c := range l.conns {
		for id, a := range c.subs {
			if a == addr {
				targets = append(targets, target{c: c, id: id})
			}
		}
	}
	l.mu.Unlock()

	for _, t := range targets {
		_ = t.c.write(notification{
			Version: "2.0",
			Method:  rpc.MethodAccountNotification,
			Params:  notificationParams{Subscription: t.id, Result: result},
		})
	}
}
