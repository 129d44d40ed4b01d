// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package requester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

const defaultTimeout = 30 * time.Second

var ErrUnexpectedStatus = errors.New("unexpected http status")

// EndpointRequester sends JSON-RPC 2.0 requests to a single URI.
type EndpointRequester struct {
	uri    string
	name   string
	client *http.Client
}

type Option func(*EndpointRequester)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *EndpointRequester) {
		e.client = c
	}
}

// New creates a requester for [uri]. [name] is only used in error messages.
func New(uri string, name string, opts ...Option) *EndpointRequester {
	e := &EndpointRequester{
		uri:    uri,
		name:   name,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EndpointRequester) URI() string {
	return e.uri
}

// SendRequest issues [method] with [params] and decodes the result into
// [reply]. Errors reported by the remote endpoint are returned as
// *json2.Error; everything else is a transport failure.
func (e *EndpointRequester) SendRequest(
	ctx context.Context,
	method string,
	params interface{},
	reply interface{},
) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode %s.%s request: %w", e.name, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", e.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to issue %s.%s request: %w", e.name, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Some endpoints still carry a JSON-RPC error body on non-200.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if rpcErr := decodeError(raw); rpcErr != nil {
			return rpcErr
		}
		return fmt.Errorf("%w: %s.%s returned %d: %s", ErrUnexpectedStatus, e.name, method, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		var rpcErr *json2.Error
		if errors.As(err, &rpcErr) {
			return rpcErr
		}
		return fmt.Errorf("failed to decode %s.%s response: %w", e.name, method, err)
	}
	return nil
}

func decodeError(raw []byte) *json2.Error {
	if len(raw) == 0 {
		return nil
	}
	var discard interface{}
	err := json2.DecodeClientResponse(bytes.NewReader(raw), &discard)
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return nil
}

// IsRemoteError reports whether [err] was returned by the endpoint itself
// rather than by the transport.
func IsRemoteError(err error) (*json2.Error, bool) {
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
