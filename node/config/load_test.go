package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	req := require.New(t)

	cfg, err := FromReader(bytes.NewReader(nil), Default())
	req.NoError(err)
	req.Equal(Default(), cfg, "config from empty file should be the same as default")

	cfg, err = FromFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	req.NoError(err)
	req.Equal(Default(), cfg, "config from not existing file should be the same as default")
}

func TestParitalConfig(t *testing.T) {
	req := require.New(t)
	cfgString := `
		[Store]
		Backend = "postgres"
		LeaseDuration = "2m"

		[Retry]
		Limit = 3
		`
	expected := Default()
	expected.Store.Backend = BackendPostgres
	expected.Store.LeaseDuration = Duration(2 * time.Minute)
	expected.Retry.Limit = 3

	{
		cfg, err := FromReader(bytes.NewReader([]byte(cfgString)), Default())
		req.NoError(err)
		req.Equal(expected, cfg, "config from reader should contain changes")
	}
	{
		f := filepath.Join(t.TempDir(), "config.toml")
		req.NoError(os.WriteFile(f, []byte(cfgString), 0644))

		cfg, err := FromFile(f)
		req.NoError(err)
		req.Equal(expected, cfg, "config from file should contain changes")
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := FromReader(strings.NewReader("[Store]\nBackedn = \"memory\"\n"), Default())
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONNECTOR_RETRY_LIMIT", "11")
	t.Setenv("CONNECTOR_STORE_LEASEDURATION", "90s")
	t.Setenv("CONNECTOR_JOURNAL_MAXBACKUPS", "7")
	t.Setenv("CONNECTOR_JOURNAL_DISABLEDEVENTS", "statemachine:delayed,negotiation:transition")

	cfg, err := FromReader(strings.NewReader(""), Default())
	require.NoError(t, err)
	require.Equal(t, 11, cfg.Retry.Limit)
	require.Equal(t, Duration(90*time.Second), cfg.Store.LeaseDuration)
	require.Equal(t, 7, cfg.Journal.MaxBackups)
	require.Equal(t, []string{"statemachine:delayed", "negotiation:transition"}, cfg.Journal.DisabledEvents)
}

func TestDefaultRoundTrip(t *testing.T) {
	b, err := ConfigComment(Default())
	require.NoError(t, err)

	cfg, err := FromReader(bytes.NewReader(b), Default())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
