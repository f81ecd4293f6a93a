package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamConfig struct {
	Timeout  time.Duration     `mapstructure:"timeout"`
	Attempts int               `mapstructure:"attempts" validate:"min=1,max=10"`
	Headers  map[string]string `mapstructure:"headers"`
}

type testConfig struct {
	Listen   string          `mapstructure:"listen" validate:"required"`
	Mode     string          `mapstructure:"mode" validate:"oneof=debug release test"`
	Upstream upstreamConfig  `mapstructure:"upstream"`
	Paths    []string        `mapstructure:"paths"`
	Extra    *upstreamConfig `mapstructure:"extra"`
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMergeConfig(t *testing.T) {
	defaults := func() *testConfig {
		return &testConfig{
			Listen: ":8080",
			Mode:   "release",
			Upstream: upstreamConfig{
				Timeout:  time.Second,
				Attempts: 3,
				Headers:  map[string]string{"X-Service-Call": "gateway"},
			},
			Paths: []string{"/a"},
		}
	}

	t.Run("nil src returns dst", func(t *testing.T) {
		got, err := MergeConfig(defaults(), nil)
		require.NoError(t, err)
		assert.Equal(t, ":8080", got.Listen)
	})

	t.Run("both nil", func(t *testing.T) {
		_, err := MergeConfig[testConfig](nil, nil)
		assert.ErrorIs(t, err, ErrNilConfig)
	})

	t.Run("partial override", func(t *testing.T) {
		got, err := MergeConfig(defaults(), &testConfig{
			Upstream: upstreamConfig{
				Timeout: 5 * time.Second,
				Headers: map[string]string{"X-Extra": "1"},
			},
			Paths: []string{"/b", "/c"},
			Extra: &upstreamConfig{Attempts: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, ":8080", got.Listen)
		assert.Equal(t, 5*time.Second, got.Upstream.Timeout)
		assert.Equal(t, 3, got.Upstream.Attempts)
		assert.Equal(t, map[string]string{"X-Service-Call": "gateway", "X-Extra": "1"}, got.Upstream.Headers)
		assert.Equal(t, []string{"/b", "/c"}, got.Paths)
		require.NotNil(t, got.Extra)
		assert.Equal(t, 2, got.Extra.Attempts)
	})
}

func TestManagerLoadAndEnv(t *testing.T) {
	path := writeFile(t, `
listen: ":9000"
mode: debug
upstream:
  timeout: 2s
  attempts: 4
`)
	t.Setenv("GWTEST_UPSTREAM_ATTEMPTS", "7")

	mgr := NewManager(WithEnvPrefix("GWTEST"))
	require.NoError(t, mgr.LoadFile(path))

	var cfg testConfig
	require.NoError(t, mgr.Unmarshal(&cfg))
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 7, cfg.Upstream.Attempts)

	var up upstreamConfig
	require.NoError(t, mgr.UnmarshalKey("upstream", &up))
	assert.Equal(t, 2*time.Second, up.Timeout)
	assert.True(t, mgr.IsSet("mode"))

	mgr.Set("mode", "test")
	assert.Equal(t, "test", mgr.Get("mode"))
}

func TestEnvListOverride(t *testing.T) {
	path := writeFile(t, `
listen: ":9000"
paths: [/a]
`)
	t.Setenv("GWTEST_PATHS", "/cards,/accounts")

	mgr := NewManager(WithEnvPrefix("GWTEST"))
	require.NoError(t, mgr.LoadFile(path))

	var cfg testConfig
	require.NoError(t, mgr.Unmarshal(&cfg))
	assert.Equal(t, []string{"/cards", "/accounts"}, cfg.Paths)
}

func TestManagerMissingFile(t *testing.T) {
	err := NewManager().LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.Is(err, ErrConfigFileNotFound))
	assert.True(t, errors.Is(NewManager().Watch(func() {}), ErrConfigFileNotFound))
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	err := v.Validate(&testConfig{Listen: ":1", Mode: "release", Upstream: upstreamConfig{Attempts: 3}})
	assert.NoError(t, err)

	err = v.Validate(&testConfig{Mode: "prod", Upstream: upstreamConfig{Attempts: 0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
	assert.Contains(t, err.Error(), "listen is required")
	assert.Contains(t, err.Error(), "mode must be one of")
	assert.Contains(t, err.Error(), "attempts must be at least 1")

	assert.ErrorIs(t, v.Validate(nil), ErrNilConfig)
}
