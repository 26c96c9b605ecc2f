package dede

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.UnmarshalEnv(nil, false))

	require.Equal(t, "anonymous", c.Alias)
	require.Equal(t, "~/.depeche/depeche.db", c.DBPath)
	require.False(t, c.Ephemeral)
	require.Equal(t, uint16(27272), c.BroadcastPort)
	require.Equal(t, uint16(27272), c.ExchangeBasePort)
	require.Equal(t, uint16(27273), c.RendezvousBasePort)
	require.Equal(t, 30*time.Second, c.RendezvousTimeout)
	require.Equal(t, 30*time.Second, c.AdvertiseWindow)
	require.Equal(t, 10, c.PadSize)
	require.Equal(t, 3, c.ForwardCap)
	require.Equal(t, zerolog.InfoLevel, c.LogLevel)
	require.True(t, c.LogPretty)
}

func TestConfigOverrides(t *testing.T) {
	var c Config
	require.NoError(t, c.UnmarshalEnv([]string{
		"DEPECHE_ALIAS=carol",
		"DEPECHE_EPHEMERAL=true",
		"DEPECHE_BROADCAST_PORT=31000",
		"DEPECHE_ANNOUNCE_ADDRS=192.168.1.255:31000,10.0.0.255:31000",
		"DEPECHE_RENDEZVOUS_TIMEOUT=5s",
		"DEPECHE_BIND_ADDR=127.0.0.1",
		"DEPECHE_LOG_LEVEL=warn",
	}, false))

	require.Equal(t, "carol", c.Alias)
	require.True(t, c.Ephemeral)
	require.Equal(t, uint16(31000), c.BroadcastPort)
	require.Equal(t, []string{"192.168.1.255:31000", "10.0.0.255:31000"}, c.AnnounceAddrs)
	require.Equal(t, 5*time.Second, c.RendezvousTimeout)
	require.Equal(t, "127.0.0.1", c.BindAddr.String())
	require.Equal(t, zerolog.WarnLevel, c.LogLevel)
}

func TestConfigUnknownVariable(t *testing.T) {
	var c Config
	require.Error(t, c.UnmarshalEnv([]string{"DEPECHE_BOGUS=1"}, false))
}

func TestConfigBadValues(t *testing.T) {
	for _, e := range []string{
		"DEPECHE_BROADCAST_PORT=notaport",
		"DEPECHE_BROADCAST_PORT=90000",
		"DEPECHE_RENDEZVOUS_TIMEOUT=fast",
		"DEPECHE_BIND_ADDR=localhost", // names are not addresses
		"DEPECHE_LOG_LEVEL=shouty",
	} {
		var c Config
		require.Error(t, c.UnmarshalEnv([]string{e}, false), "input %s", e)
	}
}

func TestConfigIncremental(t *testing.T) {
	var c Config
	require.NoError(t, c.UnmarshalEnv([]string{"DEPECHE_ALIAS=first"}, false))
	require.NoError(t, c.UnmarshalEnv([]string{"DEPECHE_PAD_SIZE=20"}, true))

	// incremental updates keep values the new list does not mention
	require.Equal(t, "first", c.Alias)
	require.Equal(t, 20, c.PadSize)
}

func TestConfigEmptyUnsettable(t *testing.T) {
	var c Config
	// ?= variables may be explicitly emptied, plain = ones revert to default
	require.NoError(t, c.UnmarshalEnv([]string{"DEPECHE_ALIAS="}, false))
	require.Equal(t, "", c.Alias)
}
