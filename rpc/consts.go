// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"time"

	"github.com/ava-labs/avalanchego/utils/units"
)

const (
	Name = "ledger"

	EncodingBase64 = "base64"

	MethodGetLatestBlockhash   = "getLatestBlockhash"
	MethodGetAccountInfo       = "getAccountInfo"
	MethodSendTransaction      = "sendTransaction"
	MethodGetSignatureStatuses = "getSignatureStatuses"
	MethodGetHealth            = "getHealth"
	MethodGetSlot              = "getSlot"
	MethodAccountSubscribe     = "accountSubscribe"
	MethodAccountUnsubscribe   = "accountUnsubscribe"
	MethodAccountNotification  = "accountNotification"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 256 * units.KiB
	notificationBuffer = 16
)
