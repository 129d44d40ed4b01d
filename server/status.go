// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server

import (
	"context"
	"net/http"

	"github.com/ava-labs/rollupcounter/client"
	"github.com/ava-labs/rollupcounter/ledger"
)

const StatusName = "status"

type StatusSource interface {
	Status(ctx context.Context) (*client.Status, error)
}

type StatusService struct {
	source StatusSource
}

func NewStatusService(source StatusSource) *StatusService {
	return &StatusService{source: source}
}

type LedgerStatus struct {
	Health  string `json:"health"`
	Found   bool   `json:"found"`
	Slot    uint64 `json:"slot,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Count   uint64 `json:"count,omitempty"`
	Decoded bool   `json:"decoded"`
	Error   string `json:"error,omitempty"`
}

type StatusReply struct {
	Phase   string                  `json:"phase"`
	Ledgers map[string]LedgerStatus `json:"ledgers"`
}

// Status reports the delegation phase and the counter on both ledgers.
func (s *StatusService) Status(r *http.Request, _ *struct{}, reply *StatusReply) error {
	status, err := s.source.Status(r.Context())
	if status == nil {
		return err
	}
	*reply = *NewStatusReply(status, err)
	return nil
}

// NewStatusReply renders [status]. A ledger that could not be read is
// reported with its health and [err] only.
func NewStatusReply(status *client.Status, err error) *StatusReply {
	reply := &StatusReply{
		Phase:   status.Phase.String(),
		Ledgers: make(map[string]LedgerStatus, len(ledger.All)),
	}
	for _, id := range ledger.All {
		ls := LedgerStatus{Health: status.Health[id].String()}
		if snap, ok := status.Ledgers[id]; ok {
			ls.Found = snap.Found
			ls.Slot = snap.Slot
			ls.Count = snap.Count
			ls.Decoded = snap.Decoded
			if snap.Found {
				ls.Owner = snap.Owner.String()
			}
		} else if err != nil {
			ls.Error = err.Error()
		}
		reply.Ledgers[id.String()] = ls
	}
	return reply
}
