package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Socket.Path != "/tmp/claude-permission.sock" {
		t.Errorf("Socket.Path = %q, want %q", cfg.Socket.Path, "/tmp/claude-permission.sock")
	}
	if cfg.Feishu.SendMode != "openapi" {
		t.Errorf("Feishu.SendMode = %q, want %q", cfg.Feishu.SendMode, "openapi")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Store.Dir != "./runtime" {
		t.Errorf("Store.Dir = %q, want %q", cfg.Store.Dir, "./runtime")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket.Path != "/tmp/claude-permission.sock" {
		t.Errorf("expected defaults, got Socket.Path=%q", cfg.Socket.Path)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
socket:
  path: "/tmp/custom.sock"
feishu:
  app_id: "cli_abc"
  app_secret: "shh"
  send_mode: "openapi"
  owner_id: "ou_x"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket.Path != "/tmp/custom.sock" {
		t.Errorf("Socket.Path = %q, want %q", cfg.Socket.Path, "/tmp/custom.sock")
	}
	if cfg.Feishu.AppID != "cli_abc" {
		t.Errorf("Feishu.AppID = %q, want %q", cfg.Feishu.AppID, "cli_abc")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERMISSION_SOCKET_PATH", "/tmp/env.sock")
	t.Setenv("CALLBACK_SERVER_PORT", "9000")
	t.Setenv("CLIENT_TIMEOUT_BUFFER", "45")
	t.Setenv("FEISHU_OWNER_ID", "ou_env")
	t.Setenv("HOOKBRIDGE_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Socket.Path != "/tmp/env.sock" {
		t.Errorf("Socket.Path = %q, want %q", cfg.Socket.Path, "/tmp/env.sock")
	}
	if cfg.Callback.Port != 9000 {
		t.Errorf("Callback.Port = %d, want 9000", cfg.Callback.Port)
	}
	if cfg.Socket.ClientTimeoutBuffer != 45*time.Second {
		t.Errorf("Socket.ClientTimeoutBuffer = %s, want 45s", cfg.Socket.ClientTimeoutBuffer)
	}
	if cfg.Feishu.OwnerID != "ou_env" {
		t.Errorf("Feishu.OwnerID = %q, want %q", cfg.Feishu.OwnerID, "ou_env")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestParseClaudeCommandSingleString(t *testing.T) {
	got := parseClaudeCommand("claude")
	want := []string{"claude"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("parseClaudeCommand(%q) = %v, want %v", "claude", got, want)
	}
}

func TestParseClaudeCommandJSONArray(t *testing.T) {
	got := parseClaudeCommand(`["claude","--dangerously-skip-permissions"]`)
	want := []string{"claude", "--dangerously-skip-permissions"}
	if len(got) != len(want) {
		t.Fatalf("parseClaudeCommand JSON array = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseClaudeCommand[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseClaudeCommandBracketedList(t *testing.T) {
	got := parseClaudeCommand("[claude, --resume]")
	want := []string{"claude", "--resume"}
	if len(got) != len(want) {
		t.Fatalf("parseClaudeCommand bracketed list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseClaudeCommand[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	plaintext := "super-secret-token"
	passphrase := "correct horse battery staple"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}

	if _, err := DecryptValue(encrypted, "wrong passphrase"); err == nil {
		t.Error("DecryptValue with wrong passphrase should fail")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	encrypted, err := EncryptValue("real-secret", "passw0rd")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	content := "feishu:\n  app_secret: \"enc:" + encrypted + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HOOKBRIDGE_CONFIG_KEY", "passw0rd")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feishu.AppSecret != "real-secret" {
		t.Errorf("Feishu.AppSecret = %q, want %q", cfg.Feishu.AppSecret, "real-secret")
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load should reject world-writable config file")
	}
}
