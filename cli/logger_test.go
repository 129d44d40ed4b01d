// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/stretchr/testify/require"
)

func TestLogFactory(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	f := NewLogFactory(logging.Config{
		RotatingWriterConfig: logging.RotatingWriterConfig{
			Directory: dir,
			MaxSize:   1,
			MaxFiles:  1,
			MaxAge:    1,
		},
		DisableWriterDisplaying: true,
		LogLevel:                logging.Info,
		DisplayLevel:            logging.Info,
		LogFormat:               logging.JSON,
	})

	log, err := f.Make("rollupcounter")
	require.NoError(err)
	_, err = f.Make("rollupcounter")
	require.Error(err)

	log.Info("hello")
	require.NoError(f.SetDisplayLevel("rollupcounter", logging.Off))
	require.Error(f.SetDisplayLevel("other", logging.Off))
	f.Close()

	b, err := os.ReadFile(filepath.Join(dir, "rollupcounter.log"))
	require.NoError(err)
	require.Contains(string(b), "hello")
}
