package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMaxConnIsTenTimesMinConn(t *testing.T) {
	s := Default()
	require.Equal(t, 10*s.MinConn, s.MaxConn)
}

func TestDiscoverResolvesNProc(t *testing.T) {
	s := Default()
	s.Discover()
	require.Greater(t, s.NProc, 0)
}

func TestReadProcIntMissingFileReturnsZero(t *testing.T) {
	require.Equal(t, 0, readProcInt("/proc/does-not-exist-tcp-proxy"))
}
