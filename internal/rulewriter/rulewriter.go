// Package rulewriter formats and persists Claude Code permission rules into
// a project's .claude/settings.local.json.
package rulewriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hookbridge/internal/domain"
)

// ToolConfig maps a tool name to the template used to format its
// always-allow rule, e.g. "Bash" -> "Bash(%s)".
type ToolConfig map[string]string

// DefaultToolConfig mirrors the tool set a Claude Code hook can report.
var DefaultToolConfig = ToolConfig{
	"Bash":  "Bash(%s)",
	"Edit":  "Edit(%s)",
	"Write": "Write(%s)",
	"Read":  "Read(%s)",
}

// FormatRule builds the rule string for toolName/toolInput per the
// configured template. The argument substituted into the template is the
// tool's primary subject: "command" for Bash, "file_path" otherwise.
func FormatRule(cfg ToolConfig, toolName string, toolInput map[string]any) (string, error) {
	tmpl, ok := cfg[toolName]
	if !ok {
		return "", domain.NewSubSystemError("rulewriter", "format", domain.ErrInvalidInput,
			fmt.Sprintf("no rule template configured for tool %q", toolName))
	}

	key := "file_path"
	if toolName == "Bash" {
		key = "command"
	}
	subject, _ := toolInput[key].(string)
	if subject == "" {
		return "", domain.NewSubSystemError("rulewriter", "format", domain.ErrInvalidInput,
			fmt.Sprintf("tool_input missing %q for tool %q", key, toolName))
	}

	return fmt.Sprintf(tmpl, subject), nil
}

// Write appends rule to <projectDir>/.claude/settings.local.json under
// permissions.allow, creating the file and its parent directory if absent,
// deduping by exact string match, and leaving the file untouched if the rule
// is already present. The write is atomic (tempfile + rename).
func Write(projectDir, rule string) error {
	if projectDir == "" {
		return domain.NewSubSystemError("rulewriter", "write", domain.ErrInvalidInput, "empty project_dir")
	}

	dir := filepath.Join(projectDir, ".claude")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return domain.NewSubSystemError("rulewriter", "write", domain.ErrRuleWriteFailed, err.Error())
	}
	path := filepath.Join(dir, "settings.local.json")

	raw, err := loadRaw(path)
	if err != nil {
		return domain.NewSubSystemError("rulewriter", "write", domain.ErrRuleWriteFailed, err.Error())
	}

	allow := extractAllow(raw)
	if containsRule(allow, rule) {
		return nil
	}
	allow = append(allow, rule)

	perm, _ := raw["permissions"].(map[string]any)
	if perm == nil {
		perm = map[string]any{}
	}
	perm["allow"] = allow
	raw["permissions"] = perm

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return domain.NewSubSystemError("rulewriter", "write", domain.ErrRuleWriteFailed, err.Error())
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.NewSubSystemError("rulewriter", "write", domain.ErrRuleWriteFailed, err.Error())
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.NewSubSystemError("rulewriter", "write", domain.ErrRuleWriteFailed, err.Error())
	}
	return nil
}

// loadRaw reads path as a generic JSON object, returning an empty object if
// the file does not exist yet.
func loadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings.local.json: %w", err)
	}
	return raw, nil
}

func extractAllow(raw map[string]any) []string {
	perm, ok := raw["permissions"].(map[string]any)
	if !ok {
		return nil
	}
	rawAllow, ok := perm["allow"].([]any)
	if !ok {
		return nil
	}
	allow := make([]string, 0, len(rawAllow))
	for _, v := range rawAllow {
		if s, ok := v.(string); ok {
			allow = append(allow, s)
		}
	}
	return allow
}

func containsRule(allow []string, rule string) bool {
	for _, existing := range allow {
		if existing == rule {
			return true
		}
	}
	return false
}
