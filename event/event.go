// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package event

import (
	"context"
	"errors"
	"sync"
)

var (
	_ Subscription[struct{}] = (*SubscriptionFunc[struct{}])(nil)
	_ Subscription[struct{}] = (*Channel[struct{}])(nil)
)

// Subscription defines how to consume events
type Subscription[T any] interface {
	// Accept returns fatal errors
	Accept(ctx context.Context, t T) error
	// Close returns fatal errors
	Close() error
}

type SubscriptionFunc[T any] struct {
	AcceptF func(ctx context.Context, t T) error
}

func (s SubscriptionFunc[T]) Accept(ctx context.Context, t T) error {
	return s.AcceptF(ctx, t)
}

func (SubscriptionFunc[_]) Close() error {
	return nil
}

// Channel delivers events on a buffered channel. When the buffer is full the
// oldest event is dropped so publishers never block.
type Channel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func NewChannel[T any](size int) *Channel[T] {
	if size < 1 {
		size = 1
	}
	return &Channel[T]{ch: make(chan T, size)}
}

func (c *Channel[T]) C() <-chan T {
	return c.ch
}

func (c *Channel[T]) Accept(_ context.Context, t T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for {
		select {
		case c.ch <- t:
			return nil
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}

func (c *Channel[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

// Feed fans events out to a changing set of subscriptions.
type Feed[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Subscription[T]
}

// Subscribe registers [sub] and returns a function removing and closing it.
func (f *Feed[T]) Subscribe(sub Subscription[T]) func() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[uint64]Subscription[T])
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	return func() error {
		f.mu.Lock()
		_, ok := f.subs[id]
		delete(f.subs, id)
		f.mu.Unlock()
		if !ok {
			return nil
		}
		return sub.Close()
	}
}

func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Publish delivers [e] to every current subscription.
func (f *Feed[T]) Publish(ctx context.Context, e T) error {
	f.mu.RLock()
	subs := make([]Subscription[T], 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()
	return NotifyAll(ctx, e, subs...)
}

// Close closes every subscription.
func (f *Feed[T]) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func NotifyAll[T any](ctx context.Context, e T, subs ...Subscription[T]) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.Accept(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
