package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wecombot/internal/config"
)

func setupConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	configPath = path
	t.Cleanup(func() { configPath = "" })
	return path
}

func TestAccountsDisableAndDelete(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.WeCom.Token = "tok"
	cfg.Channels.WeCom.Accounts = map[string]config.WeComAccountConfig{"ops": {Name: "Ops"}}
	path := setupConfig(t, cfg)

	cmd := accountsCmd()
	cmd.SetArgs([]string{"disable", "ops"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.ResolveAccount(got, "ops").Enabled {
		t.Error("ops should be disabled on disk")
	}

	cmd = accountsCmd()
	cmd.SetArgs([]string{"delete", "ops"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	got, err = config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if ids := config.ListAccountIDs(got); len(ids) != 1 || ids[0] != "default" {
		t.Errorf("expected only default, got %v", ids)
	}
}

func TestConfigSetRejectsInvalid(t *testing.T) {
	path := setupConfig(t, config.Defaults())

	cmd := configCmd()
	cmd.SetArgs([]string{"set", "gateway.port", "70000"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Gateway.Port != 8788 {
		t.Errorf("invalid value must not be saved, port=%d", got.Gateway.Port)
	}
}

func TestTargetParse(t *testing.T) {
	cmd := targetCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"parse", "user:alice", "group:g1@ops"})
	if err := cmd.Execute(); err != nil {
		t.Errorf("valid targets: %v", err)
	}

	cmd = targetCmd()
	cmd.SetArgs([]string{"parse", "not valid"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for invalid target")
	}
}

func TestConfigureLogger(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.LogLevel = "debug"
	cfg.General.LogFile = filepath.Join(t.TempDir(), "logs", "wecombot.log")

	closeLog, err := configureLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeLog()
	if !logger.Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug level should be enabled")
	}
}

func TestEditsKeepEnvReferences(t *testing.T) {
	t.Setenv("WECOMBOT_TEST_TOKEN", "s3cret-token")
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `channels:
  wecom:
    token: ${WECOMBOT_TEST_TOKEN}
    accounts:
      ops:
        name: Ops
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	configPath = path
	t.Cleanup(func() { configPath = "" })

	cmd := accountsCmd()
	cmd.SetArgs([]string{"disable", "ops"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	cmd = configCmd()
	cmd.SetArgs([]string{"set", "gateway.port", "9000"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "s3cret-token") {
		t.Errorf("expanded secret written to disk:\n%s", data)
	}
	if !strings.Contains(string(data), "${WECOMBOT_TEST_TOKEN}") {
		t.Errorf("env reference lost:\n%s", data)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Channels.WeCom.Token != "s3cret-token" || got.Gateway.Port != 9000 {
		t.Errorf("unexpected reload: token=%q port=%d", got.Channels.WeCom.Token, got.Gateway.Port)
	}
	if config.ResolveAccount(got, "ops").Enabled {
		t.Error("ops should be disabled")
	}
}
