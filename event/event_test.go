// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test")

func TestFeed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var f Feed[int]
	var got []int
	unsubscribe := f.Subscribe(SubscriptionFunc[int]{
		AcceptF: func(_ context.Context, i int) error {
			got = append(got, i)
			return nil
		},
	})
	failing := f.Subscribe(SubscriptionFunc[int]{
		AcceptF: func(context.Context, int) error { return errTest },
	})
	require.Equal(2, f.Len())

	require.ErrorIs(f.Publish(ctx, 1), errTest)
	require.NoError(failing())
	require.NoError(failing())
	require.NoError(f.Publish(ctx, 2))
	require.Equal([]int{1, 2}, got)

	require.NoError(unsubscribe())
	require.NoError(f.Publish(ctx, 3))
	require.Equal([]int{1, 2}, got)
	require.Zero(f.Len())
}

func TestChannelKeepsNewest(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := NewChannel[int](2)
	for i := 0; i < 5; i++ {
		require.NoError(c.Accept(ctx, i))
	}
	require.Equal(3, <-c.C())
	require.Equal(4, <-c.C())

	var f Feed[int]
	f.Subscribe(c)
	require.NoError(f.Close())
	_, ok := <-c.C()
	require.False(ok)
	require.NoError(c.Accept(ctx, 9))
}
