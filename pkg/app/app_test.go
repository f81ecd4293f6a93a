package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webConfig struct {
	Addr string `mapstructure:"addr"`
}

type testConfig struct {
	Web webConfig `mapstructure:"web"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigPriority(t *testing.T) {
	path := writeConfig(t, "web:\n  addr: \":8080\"\nlog:\n  level: info\n")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	var cfg testConfig
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	loaded, err := LoadConfigFrom(fs, []string{"-c", path, "--web.addr", ":9999"}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, path, loaded.Path)
	assert.Equal(t, ":9999", cfg.Web.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	var cfg testConfig
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	_, err := LoadConfigFrom(fs, []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, &cfg)
	assert.True(t, errors.Is(err, config.ErrConfigFileNotFound))
}

type fakeServer struct {
	mu      sync.Mutex
	events  *[]string
	name    string
	failure error
}

func (s *fakeServer) Start() error {
	s.record("start " + s.name)
	return s.failure
}

func (s *fakeServer) Stop(context.Context) error {
	s.record("stop " + s.name)
	return nil
}

func (s *fakeServer) record(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, e)
}

func TestRunAndShutdownOrder(t *testing.T) {
	var events []string
	a := NewBaseApp(WithLogger(logger.NewNoop()), WithStopTimeout(time.Second))
	a.AppendServer(&fakeServer{events: &events, name: "http"})
	a.AppendCloser(
		CloserFunc(func() error { events = append(events, "close registry"); return nil }),
		CloserFunc(func() error { events = append(events, "close breakers"); return nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	assert.Equal(t, []string{"start http", "stop http", "close breakers", "close registry"}, events)
	assert.ErrorIs(t, a.Run(context.Background()), ErrAppAlreadyRunning)
	assert.NoError(t, a.Shutdown())
}

func TestRunStartFailure(t *testing.T) {
	var events []string
	a := NewBaseApp(WithLogger(logger.NewNoop()))
	a.AppendServer(&fakeServer{events: &events, name: "http", failure: errors.New("bind")})
	err := a.Run(context.Background())
	assert.EqualError(t, err, "bind")
}
