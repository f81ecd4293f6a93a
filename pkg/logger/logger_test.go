package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr error
	}{
		{name: "nil config uses default", config: nil},
		{name: "valid minimal config", config: &Config{Level: DebugLevel, Format: ConsoleFormat}},
		{
			name:    "file enabled without path",
			config:  &Config{EnableFile: true},
			wantErr: ErrInvalidOutputPath,
		},
		{
			name:    "unknown level",
			config:  &Config{Level: "verbose"},
			wantErr: ErrInvalidLevel,
		},
		{
			name:   "file output",
			config: &Config{EnableFile: true, OutputPath: filepath.Join(t.TempDir(), "gateway.log")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: WarnLevel}, WithWriter(&buf))
	require.NoError(t, err)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn", "service", "card-service")
	l.Error("error", "error", errors.New("boom"))
	require.NoError(t, l.Sync())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "card-service", lines[0]["service"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(nil, WithWriter(&buf))
	require.NoError(t, err)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithTraceID(ctx, "trace-1")
	l.Named("gateway").InfoContext(ctx, "request forwarded", "attempt", 1)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "corr-1", lines[0]["correlation_id"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.Equal(t, "gateway", lines[0]["logger"])
	assert.EqualValues(t, 1, lines[0]["attempt"])
}

func TestRedactKeys(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{RedactKeys: []string{"Authorization"}}, WithWriter(&buf))
	require.NoError(t, err)

	l.WithFields("route", "/cards/**").Info("incoming", "authorization", "Bearer abc.def.ghi")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, redacted, lines[0]["authorization"])
	assert.Equal(t, "/cards/**", lines[0]["route"])
}

func TestRedactBearerValues(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{RedactKeys: []string{"token"}}, WithWriter(&buf))
	require.NoError(t, err)

	l.WithFields("header", "bearer eyJhbGciOi").Warn("rejected", "reason", "expired")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, redacted, lines[0]["header"])
	assert.Equal(t, "expired", lines[0]["reason"])
}

func TestNoop(t *testing.T) {
	var l Logger = NewNoop()
	l.Named("x").WithFields("a", 1).InfoContext(context.Background(), "ignored")
	assert.NoError(t, l.Sync())
}
