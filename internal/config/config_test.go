package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uevent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.uidAttrs)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Empty(t, cfg.JournalPath)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
uid_attrs:
  - "sd:ID_SERIAL"
  - "dasd:ID_UID"
  - "nvme:ID_WWN"
blacklist:
  devnode:
    - "^(ram|zram)[0-9]"
blacklist_exceptions:
  devnode:
    - "^zram7$"
discard_rules:
  - 'kernel startsWith "loop"'
receive_buffer_bytes: 1048576
journal_path: /var/lib/multipathd/uevents.db
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1048576, cfg.ReceiveBufferBytes)
	assert.Equal(t, "/var/lib/multipathd/uevents.db", cfg.JournalPath)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)

	assert.Equal(t, []string{"ID_SERIAL"}, cfg.uidAttributes("sda"))
	assert.Equal(t, []string{"ID_UID"}, cfg.uidAttributes("dasda"))
	assert.Empty(t, cfg.uidAttributes("vda"))

	assert.True(t, cfg.shouldDiscard("ram0"))
	assert.True(t, cfg.shouldDiscard("zram1"))
	assert.False(t, cfg.shouldDiscard("zram7"), "exception must win over blacklist")
	assert.True(t, cfg.shouldDiscard("loop3"), "expr rule must apply")
	assert.False(t, cfg.shouldDiscard("sda"))
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad yaml", content: "uid_attrs: ["},
		{name: "bad uid_attrs entry", content: "uid_attrs: [\"no-colon\"]"},
		{name: "bad regexp", content: "blacklist:\n  devnode: [\"(\"]"},
		{name: "bad rule", content: "discard_rules: [\"kernel +\"]"},
		{name: "bad log level", content: "log_level: chatty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "journal_path: /from/file.db\nlog_level: info\n")
	t.Setenv("MULTIPATHD_JOURNAL", "/from/env.db")
	t.Setenv("MULTIPATHD_LOG_LEVEL", "trace")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env.db", cfg.JournalPath)
	assert.Equal(t, logrus.TraceLevel, cfg.LogLevel)
}

func TestUIDAttributesOrdered(t *testing.T) {
	cfg, err := compile(&file{UIDAttrs: []string{"sd:ID_WWN", "sd:ID_SERIAL", "s:ID_FALLBACK"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"ID_WWN", "ID_SERIAL", "ID_FALLBACK"}, cfg.uidAttributes("sda"))
}

func TestStoreSettings(t *testing.T) {
	cfg, err := compile(&file{
		UIDAttrs:  []string{"sd:ID_SERIAL"},
		Blacklist: blacklistSection{Devnode: []string{"^ram"}},
	})
	require.NoError(t, err)

	s := NewStore(cfg)
	assert.True(t, s.MergingConfigured())
	assert.Equal(t, []string{"ID_SERIAL"}, s.UIDAttributes("sda"))

	// Twice, to exercise the memoized path as well.
	assert.True(t, s.ShouldDiscard("ram0"))
	assert.True(t, s.ShouldDiscard("ram0"))
	assert.False(t, s.ShouldDiscard("sda"))

	// A swap changes the answers and invalidates the cache.
	empty, err := compile(&file{})
	require.NoError(t, err)
	s.Swap(empty)
	assert.False(t, s.MergingConfigured())
	assert.False(t, s.ShouldDiscard("ram0"))
}

func TestOTELConfigEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")

	cfg, err := ParseOTELConfig()
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", cfg.Endpoint())
	assert.Equal(t, "multipathd", cfg.ServiceName)

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "traces:4318")
	cfg, err = ParseOTELConfig()
	require.NoError(t, err)
	assert.Equal(t, "traces:4318", cfg.Endpoint(), "traces endpoint must win")
}
