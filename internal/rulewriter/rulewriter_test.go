package rulewriter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFormatRuleBash(t *testing.T) {
	rule, err := FormatRule(DefaultToolConfig, "Bash", map[string]any{"command": "npm install"})
	if err != nil {
		t.Fatalf("FormatRule: %v", err)
	}
	if rule != "Bash(npm install)" {
		t.Errorf("rule = %q, want %q", rule, "Bash(npm install)")
	}
}

func TestFormatRuleEdit(t *testing.T) {
	rule, err := FormatRule(DefaultToolConfig, "Edit", map[string]any{"file_path": "/path"})
	if err != nil {
		t.Fatalf("FormatRule: %v", err)
	}
	if rule != "Edit(/path)" {
		t.Errorf("rule = %q, want %q", rule, "Edit(/path)")
	}
}

func TestFormatRuleUnknownTool(t *testing.T) {
	if _, err := FormatRule(DefaultToolConfig, "Mystery", map[string]any{}); err == nil {
		t.Error("expected error for unconfigured tool")
	}
}

func TestFormatRuleMissingSubject(t *testing.T) {
	if _, err := FormatRule(DefaultToolConfig, "Bash", map[string]any{}); err == nil {
		t.Error("expected error for missing command field")
	}
}

func TestWriteCreatesFileAndRule(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, "Bash(ls)"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.local.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	perm := raw["permissions"].(map[string]any)
	allow := perm["allow"].([]any)
	if len(allow) != 1 || allow[0] != "Bash(ls)" {
		t.Errorf("allow = %v, want [Bash(ls)]", allow)
	}
}

func TestWriteDedupsExistingRule(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, "Bash(ls)"); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := Write(dir, "Bash(ls)"); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.local.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw map[string]any
	json.Unmarshal(data, &raw)
	allow := raw["permissions"].(map[string]any)["allow"].([]any)
	if len(allow) != 1 {
		t.Errorf("allow = %v, want exactly one entry after dedup", allow)
	}
}

func TestWriteAppendsToExistingRules(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, "Bash(ls)"); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := Write(dir, "Edit(/tmp/a)"); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, ".claude", "settings.local.json"))
	var raw map[string]any
	json.Unmarshal(data, &raw)
	allow := raw["permissions"].(map[string]any)["allow"].([]any)
	if len(allow) != 2 {
		t.Fatalf("allow = %v, want two entries", allow)
	}
}

func TestWritePreservesUnrelatedKeys(t *testing.T) {
	dir := t.TempDir()
	claudeDir := filepath.Join(dir, ".claude")
	if err := os.MkdirAll(claudeDir, 0o700); err != nil {
		t.Fatal(err)
	}
	seed := `{"env":{"FOO":"bar"},"permissions":{"allow":["Read(/x)"]}}`
	if err := os.WriteFile(filepath.Join(claudeDir, "settings.local.json"), []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Write(dir, "Bash(ls)"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(claudeDir, "settings.local.json"))
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if raw["env"].(map[string]any)["FOO"] != "bar" {
		t.Error("expected unrelated env key to survive the rewrite")
	}
	allow := raw["permissions"].(map[string]any)["allow"].([]any)
	if len(allow) != 2 {
		t.Errorf("allow = %v, want two entries", allow)
	}
}

func TestWriteEmptyProjectDir(t *testing.T) {
	if err := Write("", "Bash(ls)"); err == nil {
		t.Error("expected error for empty project_dir")
	}
}
