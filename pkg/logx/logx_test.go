package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "debug", Console: true, Format: FormatJSON, Writer: &buf})
	defer svc.Close()

	log.With(Comp("orchestrator")).Info("venue scraped",
		String("venue", "alpha"),
		Int("people", 3),
		Strings("ids", []string{"a", "b"}),
		Err(errors.New("boom")),
		Err(nil),
	)

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	e := lines[0]
	require.Equal(t, "venue scraped", e["message"])
	require.Equal(t, "info", e["level"])
	require.Equal(t, "orchestrator", e["comp"])
	require.Equal(t, "alpha", e["venue"])
	require.EqualValues(t, 3, e["people"])
	require.Equal(t, []any{"a", "b"}, e["ids"])
	require.Equal(t, "boom", e["err"])
	require.Contains(t, e["caller"], "logx_test.go:")
}

func TestApplyChangesLevelForLiveLoggers(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Level: "warn", Console: true, Format: FormatJSON, Writer: &buf}
	svc, log := New(cfg)
	defer svc.Close()

	log.Info("hidden")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))

	cfg.Level = "debug"
	svc.Apply(cfg)
	log.Debug("shown")
	require.True(t, log.Enabled(LevelDebug))
	require.Len(t, decodeLines(t, buf.Bytes()), 1)
}

func TestFileSinkIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var console bytes.Buffer
	svc, log := New(Config{Level: "info", Console: true, Writer: &console, File: FileConfig{Enabled: true, Path: path}})

	log.Warn("disk almost full", Int64("free", 42))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	require.Equal(t, "disk almost full", lines[0]["message"])
	require.Contains(t, console.String(), "disk almost full")
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("dropped")

	nop := Nop()
	require.False(t, nop.IsZero())
	nop.With(Comp("x")).Info("dropped")
}
