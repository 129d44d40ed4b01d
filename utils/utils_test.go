// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitSubDirectory(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	p, err := InitSubDirectory(root, "logs")
	require.NoError(err)
	require.Equal(filepath.Join(root, "logs"), p)
	info, err := os.Stat(p)
	require.NoError(err)
	require.True(info.IsDir())

	// Existing directories are fine.
	_, err = InitSubDirectory(root, "logs")
	require.NoError(err)
}

func TestMillis(t *testing.T) {
	require.Equal(t, "1.50ms", Millis(1500*time.Microsecond))
	require.Equal(t, "0.00ms", Millis(0))
}
