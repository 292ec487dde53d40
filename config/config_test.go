package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
}

func TestNewAppliesOptions(t *testing.T) {
	c, err := New(
		WithDBPath("/tmp/auradb"),
		WithMemtable(MemtableConfig{MaxSize: 1024, Implementation: MemtableBTree, Count: 1, FlushThreshold: 0.5}),
	)
	require.NoError(t, err)
	require.Equal(t, "/tmp/auradb", c.DBPath)
	require.Equal(t, MemtableBTree, c.Memtable.Implementation)
}

func TestValidateRejectsZeroSizes(t *testing.T) {
	c := DefaultConfig()
	c.WAL.MaxFileSize = 0
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.Memtable.FlushThreshold = 1.5
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.ValueLog.WriteQueues = 0
	require.Error(t, c.Validate())
}
