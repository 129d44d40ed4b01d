// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledgertest runs in-process ledgers that speak the JSON-RPC and
// websocket subset the client uses.
package ledgertest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/rpc"
)

const (
	codeInvalidParams     = -32602
	codeMethodNotFound    = -32601
	codeSimulationFailed  = -32002
	codeBlockhashNotFound = -32003

	blockhashValidity = 150
)

// Outcome decides what happens to a submitted transaction.
type Outcome struct {
	// Reject fails submission with a JSON-RPC error carrying this message.
	Reject string
	// ExecErr lands the transaction with this execution error.
	ExecErr string
	// Pending accepts the transaction but never reports a status.
	Pending bool
}

// SendHandler is invoked for every well-formed, correctly signed
// submission.
type SendHandler func(tx *chain.Transaction) Outcome

type request struct {
	Version string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Ledger is one fake ledger endpoint. The zero value is not usable; call
// New.
type Ledger struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	slot       uint64
	height     uint64
	blockhash  codec.Hash
	validUntil map[codec.Hash]uint64
	accounts   map[codec.Address]*rpc.Account
	statuses   map[chain.Signature]*rpc.SignatureStatus
	submitted  []*chain.Transaction
	calls      map[string]int
	handler    SendHandler
	down       bool

	conns   map[*wsConn]struct{}
	nextSub uint64
}

// New starts a ledger with an empty account set at slot 1.
func New() *Ledger {
	l := &Ledger{
		slot:       1,
		height:     1,
		validUntil: make(map[codec.Hash]uint64),
		accounts:   make(map[codec.Address]*rpc.Account),
		statuses:   make(map[chain.Signature]*rpc.SignatureStatus),
		calls:      make(map[string]int),
		conns:      make(map[*wsConn]struct{}),
		handler:    func(*chain.Transaction) Outcome { return Outcome{} },
	}
	l.rotateLocked()
	l.srv = httptest.NewServer(http.HandlerFunc(l.serveHTTP))
	return l
}

// Close stops the server and drops every websocket.
func (l *Ledger) Close() {
	l.Disconnect()
	l.srv.Close()
}

func (l *Ledger) URL() string {
	return l.srv.URL
}

func (l *Ledger) WSURL() string {
	return "ws" + strings.TrimPrefix(l.srv.URL, "http")
}

func (l *Ledger) Endpoint() ledger.Endpoint {
	return ledger.Endpoint{RPC: l.URL(), WS: l.WSURL()}
}

// SetSendHandler replaces the handler deciding submission outcomes.
func (l *Ledger) SetSendHandler(h SendHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SetDown makes every request fail with 503 and refuses websocket
// upgrades. Existing websockets are dropped.
func (l *Ledger) SetDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
	if down {
		l.Disconnect()
	}
}

// Disconnect drops every websocket connection.
func (l *Ledger) Disconnect() {
	l.mu.Lock()
	conns := make([]*wsConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// Calls returns how many times [method] was served.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

func (l *Ledger) Slot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot
}

// AdvanceSlot moves the ledger forward without changing state.
func (l *Ledger) AdvanceSlot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bumpLocked()
}

func (l *Ledger) Blockhash() codec.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockhash
}

// RotateBlockhash produces a new latest blockhash. Older ones stay valid
// until ExpireBlockhashes.
func (l *Ledger) RotateBlockhash() codec.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

// ExpireBlockhashes invalidates everything but the latest blockhash.
func (l *Ledger) ExpireBlockhashes() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h := range l.validUntil {
		if h != l.blockhash {
			delete(l.validUntil, h)
		}
	}
}

func (l *Ledger) rotateLocked() codec.Hash {
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], l.slot)
	binary.BigEndian.PutUint64(seed[8:], uint64(len(l.validUntil)))
	l.blockhash = codec.Hash(sha256.Sum256(seed[:]))
	l.validUntil[l.blockhash] = l.height + blockhashValidity
	return l.blockhash
}

func (l *Ledger) bumpLocked() uint64 {
	l.slot++
	l.height++
	return l.slot
}

// Account returns a copy of the stored account, or nil.
func (l *Ledger) Account(addr codec.Address) *rpc.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyAccount(l.accounts[addr])
}

// SetAccount stores [acct] (nil deletes it) in a new slot and notifies
// subscribers. It returns that slot.
func (l *Ledger) SetAccount(addr codec.Address, acct *rpc.Account) uint64 {
	l.mu.Lock()
	slot := l.setAccountLocked(addr, acct)
	l.mu.Unlock()
	l.notify(addr, slot, acct)
	return slot
}

func (l *Ledger) setAccountLocked(addr codec.Address, acct *rpc.Account) uint64 {
	slot := l.bumpLocked()
	if acct == nil {
		delete(l.accounts, addr)
	} else {
		l.accounts[addr] = copyAccount(acct)
	}
	return slot
}

func copyAccount(a *rpc.Account) *rpc.Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	return &cp
}

// Submitted returns every transaction the handler accepted or rejected,
// in arrival order.
func (l *Ledger) Submitted() []*chain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*chain.Transaction(nil), l.submitted...)
}

// Confirm records a confirmed status for [sig], for transactions a handler
// left pending.
func (l *Ledger) Confirm(sig chain.Signature, execErr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[sig] = l.statusLocked(execErr)
}

func (l *Ledger) statusLocked(execErr string) *rpc.SignatureStatus {
	s := &rpc.SignatureStatus{
		Slot:               l.slot,
		ConfirmationStatus: consts.CommitmentConfirmed,
	}
	if execErr != "" {
		s.Err, _ = json.Marshal(map[string]string{"custom": execErr})
	}
	return s
}

func (l *Ledger) serveHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	down := l.down
	l.mu.Unlock()
	if down {
		http.Error(w, "ledger down", http.StatusServiceUnavailable)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		l.serveWS(w, r)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := response{Version: "2.0", ID: req.ID}
	resp.Result, resp.Error = l.dispatch(&req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (l *Ledger) dispatch(req *request) (interface{}, *rpcError) {
	l.mu.Lock()
	l.calls[req.Method]++
	l.mu.Unlock()

	switch req.Method {
	case rpc.MethodGetHealth:
		return "ok", nil
	case rpc.MethodGetSlot:
		return l.Slot(), nil
	case rpc.MethodGetLatestBlockhash:
		l.mu.Lock()
		defer l.mu.Unlock()
		return rpc.LatestBlockhashReply{
			Context: rpc.Context{Slot: l.slot},
			Value: rpc.BlockhashValue{
				Blockhash:            l.blockhash,
				LastValidBlockHeight: l.validUntil[l.blockhash],
			},
		}, nil
	case rpc.MethodGetAccountInfo:
		addr, err := addressParam(req.Params)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		reply := rpc.AccountInfoReply{Context: rpc.Context{Slot: l.slot}}
		if acct := l.accounts[addr]; acct != nil {
			reply.Value = rpc.EncodeAccount(acct)
		}
		return reply, nil
	case rpc.MethodGetSignatureStatuses:
		return l.signatureStatuses(req.Params)
	case rpc.MethodSendTransaction:
		return l.sendTransaction(req.Params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "Method not found"}
	}
}

func addressParam(params []json.RawMessage) (codec.Address, *rpcError) {
	if len(params) == 0 {
		return codec.EmptyAddress, &rpcError{Code: codeInvalidParams, Message: "missing address"}
	}
	var addr codec.Address
	if err := json.Unmarshal(params[0], &addr); err != nil {
		return codec.EmptyAddress, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	return addr, nil
}

func (l *Ledger) signatureStatuses(params []json.RawMessage) (interface{}, *rpcError) {
	if len(params) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "missing signatures"}
	}
	var sigs []chain.Signature
	if err := json.Unmarshal(params[0], &sigs); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	reply := rpc.SignatureStatusesReply{
		Context: rpc.Context{Slot: l.slot},
		Value:   make([]*rpc.SignatureStatus, len(sigs)),
	}
	for i, sig := range sigs {
		reply.Value[i] = l.statuses[sig]
	}
	return reply, nil
}

func (l *Ledger) sendTransaction(params []json.RawMessage) (interface{}, *rpcError) {
	if len(params) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "missing transaction"}
	}
	var encoded string
	if err := json.Unmarshal(params[0], &encoded); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	tx, err := chain.UnmarshalTransactionBase64(encoded)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	if err := tx.Verify(); err != nil {
		return nil, &rpcError{Code: codeSimulationFailed, Message: err.Error()}
	}

	l.mu.Lock()
	_, known := l.validUntil[tx.Message.RecentBlockhash]
	handler := l.handler
	l.mu.Unlock()
	if !known {
		return nil, &rpcError{Code: codeBlockhashNotFound, Message: "Blockhash not found"}
	}

	out := handler(tx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitted = append(l.submitted, tx)
	if out.Reject != "" {
		return nil, &rpcError{Code: codeSimulationFailed, Message: out.Reject}
	}
	if !out.Pending {
		l.statuses[tx.ID()] = l.statusLocked(out.ExecErr)
	}
	return tx.ID(), nil
}
