package runtime

import (
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	var parser = flags.NewParser(&cfg, flags.None)
	_, err := parser.ParseArgs([]string{
		"--sheets.spreadsheet=sheet-id",
		"--sheets.credentials=/etc/creds.json",
	})
	require.NoError(t, err)

	require.Equal(t, "sheet-id", cfg.Sheets.SpreadsheetID)
	require.Equal(t, 30, cfg.Sheets.WriteTarget)
	require.Equal(t, 60, cfg.Sheets.WriteQuota)
	require.Equal(t, []string{"http://localhost:2379"}, cfg.Etcd.Endpoints)
	require.Equal(t, "/spooltrack/locks", cfg.Etcd.LockPrefix)
	require.False(t, cfg.Etcd.InMemory)
	require.Equal(t, 8080, cfg.API.Port)
	require.Equal(t, 10*time.Second, cfg.API.ShutdownTimeout)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestConfigRequiresSpreadsheet(t *testing.T) {
	var cfg Config
	var parser = flags.NewParser(&cfg, flags.None)
	_, err := parser.ParseArgs(nil)
	require.Error(t, err)
}

func TestInitLog(t *testing.T) {
	require.NoError(t, InitLog(LogConfig{Level: "debug", Format: "json"}))
	require.Error(t, InitLog(LogConfig{Level: "noisy", Format: "text"}))
}
