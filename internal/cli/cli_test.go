package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/epa-bot/epa/internal/daemon"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

func TestLastArchivedID(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"ledger-000000000001-000000000040.jsonl.zst",
		"ledger-000000000041-000000000107.jsonl.zst",
		"ledger-garbage.jsonl.zst",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	got, err := lastArchivedID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != 107 {
		t.Errorf("lastArchivedID = %d, want 107", got)
	}

	empty, err := lastArchivedID(t.TempDir())
	if err != nil || empty != 0 {
		t.Errorf("empty dir = %d, %v", empty, err)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger.StartingBalance != 2500 {
		t.Errorf("StartingBalance = %d", cfg.Ledger.StartingBalance)
	}

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Error("second init without --force should fail")
	}
}

func TestBalanceCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("EPA_HOME", home)
	configPath = ""

	rootCmd.SetArgs([]string{"balance", "ghost"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("balance of an unknown user should fail")
	}
	if _, err := os.Stat(filepath.Join(home, sqlite.FileName)); err != nil {
		t.Errorf("store not created under EPA_HOME: %v", err)
	}
}
