package config

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.ServerIP)
	assert.Equal(t, 5060, cfg.ServerPort)
	assert.Equal(t, LogInfo, cfg.LogLevel)
	assert.True(t, cfg.CDRMergeMode)
	assert.Equal(t, 3600, cfg.RegistrationExpires)
	assert.Equal(t, 70, cfg.MaxForwards)
	assert.NotEmpty(t, cfg.LocalNetworks)
}

func TestLoadCLIOverridesDefault(t *testing.T) {
	cfg, err := Load([]string{"-server-port=5080", "-log-level=DEBUG"})
	require.NoError(t, err)
	assert.Equal(t, 5080, cfg.ServerPort)
	assert.Equal(t, LogDebug, cfg.LogLevel)
}

func TestLoadEnvOverridesDefaultButNotCLI(t *testing.T) {
	t.Setenv("SIPPROXY_SERVER_PORT", "5090")
	t.Setenv("SIPPROXY_LOG_LEVEL", "WARNING")

	cfg, err := Load([]string{"-log-level=ERROR"})
	require.NoError(t, err)

	// server-port was not set on the CLI, so the env override wins.
	assert.Equal(t, 5090, cfg.ServerPort)
	// log-level WAS set on the CLI, so it wins over the env var.
	assert.Equal(t, LogError, cfg.LogLevel)
}

func TestLoadParsesUsers(t *testing.T) {
	cfg, err := Load([]string{"-users=alice=secret,bob=hunter2"})
	require.NoError(t, err)
	pass, ok := cfg.Password("alice")
	require.True(t, ok)
	assert.Equal(t, "secret", pass)
	pass, ok = cfg.Password("bob")
	require.True(t, ok)
	assert.Equal(t, "hunter2", pass)
	_, ok = cfg.Password("mallory")
	assert.False(t, ok)
}

func TestLoadParsesLocalNetworksWithBareAddresses(t *testing.T) {
	cfg, err := Load([]string{"-local-networks=192.0.2.5,10.0.0.0/8"})
	require.NoError(t, err)
	require.Len(t, cfg.LocalNetworks, 2)
	assert.True(t, cfg.IsLocal(net.ParseIP("192.0.2.5")))
	assert.True(t, cfg.IsLocal(net.ParseIP("10.1.2.3")))
	assert.False(t, cfg.IsLocal(net.ParseIP("203.0.113.1")))
}

func TestLoadRejectsInvalidCIDR(t *testing.T) {
	_, err := Load([]string{"-local-networks=not-a-cidr"})
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	_, err := Load([]string{"-server-port=99999"})
	assert.Error(t, err)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	_, err := Load([]string{"-log-level=VERBOSE"})
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveMaxForwards(t *testing.T) {
	_, err := Load([]string{"-max-forwards=0"})
	assert.Error(t, err)
}

func TestForceLocalAddrShortCircuitsIsLocal(t *testing.T) {
	cfg, err := Load([]string{"-force-local-addr", "-local-networks="})
	require.NoError(t, err)
	assert.True(t, cfg.IsLocal(net.ParseIP("203.0.113.99")))
}

func TestAdvertisedHost(t *testing.T) {
	cfg, err := Load([]string{"-server-ip=192.0.2.1", "-server-port=5060"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:5060", cfg.AdvertisedHost())
}

func TestSnapshotLoadStoreIsConcurrencySafe(t *testing.T) {
	initial, err := Load(nil)
	require.NoError(t, err)
	snap := NewSnapshot(initial)
	assert.Same(t, initial, snap.Load())

	replacement, err := Load([]string{"-log-level=DEBUG"})
	require.NoError(t, err)
	snap.Store(replacement)
	assert.Same(t, replacement, snap.Load())
}
