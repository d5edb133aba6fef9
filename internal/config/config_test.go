package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdsync/etherd/internal/pathpolicy"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	base := pathpolicy.MustAbsolutePath(t.TempDir())
	cfg, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	base := pathpolicy.MustAbsolutePath(t.TempDir())
	want := Config{Secret: "deadbeef", Peers: []string{"/ip4/1.2.3.4/tcp/4242/p2p/abc"}, ListenAddr: "/ip4/0.0.0.0/tcp/0"}

	require.NoError(t, Save(base, want))

	got, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEnsureSecretGeneratesAndPersistsOnce(t *testing.T) {
	base := pathpolicy.MustAbsolutePath(t.TempDir())
	calls := 0
	generate := func() ([]byte, error) {
		calls++
		return []byte{1, 2, 3, 4}, nil
	}

	cfg, raw, err := EnsureSecret(base, Config{}, generate)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, raw)
	assert.Equal(t, "01020304", cfg.Secret)
	assert.Equal(t, 1, calls)

	reloaded, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, "01020304", reloaded.Secret)

	_, raw2, err := EnsureSecret(base, reloaded, generate)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, raw2)
	assert.Equal(t, 1, calls, "generate must not be called again once a secret exists")
}
