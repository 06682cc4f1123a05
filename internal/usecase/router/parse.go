// Package router implements the command parsing and card dispatch behind
// /new and /reply: flag-style directory/command overrides, the multi-step
// setup card shown when required fields are missing, and the submit/browse
// dispatch that forwards a completed form to the agent-control RPCs.
package router

import "strings"

// NewCommand is the parsed form of a "/new [--dir=...] [--cmd=...] prompt"
// message.
type NewCommand struct {
	Dir    string
	Cmd    string
	Prompt string
}

// ParseNewCommand extracts --dir= and --cmd= flags from anywhere in text
// and returns the remaining words, trimmed, as the prompt. Flags may appear
// in any order and are removed from the prompt regardless of position.
func ParseNewCommand(text string) NewCommand {
	var cmd NewCommand
	var promptWords []string

	for _, field := range strings.Fields(text) {
		switch {
		case strings.HasPrefix(field, "--dir="):
			cmd.Dir = strings.TrimPrefix(field, "--dir=")
		case strings.HasPrefix(field, "--cmd="):
			cmd.Cmd = strings.TrimPrefix(field, "--cmd=")
		default:
			promptWords = append(promptWords, field)
		}
	}

	cmd.Prompt = strings.TrimSpace(strings.Join(promptWords, " "))
	return cmd
}

// Missing reports which required fields NewCommand still lacks, in the
// order the setup card should prompt for them.
func (c NewCommand) Missing() []string {
	var missing []string
	if c.Dir == "" {
		missing = append(missing, "dir")
	}
	if c.Prompt == "" {
		missing = append(missing, "prompt")
	}
	return missing
}

// ReplyCommand is the parsed form of a "/reply --parent_id=... prompt"
// message. --dir is rejected: a reply always continues the session named
// by parent_id's MessageSessionRecord, which already carries project_dir.
type ReplyCommand struct {
	ParentID  string
	Prompt    string
	HadDirArg bool
}

// ParseReplyCommand extracts --parent_id= and flags whether a forbidden
// --dir= argument was present.
func ParseReplyCommand(text string) ReplyCommand {
	var cmd ReplyCommand
	var promptWords []string

	for _, field := range strings.Fields(text) {
		switch {
		case strings.HasPrefix(field, "--parent_id="):
			cmd.ParentID = strings.TrimPrefix(field, "--parent_id=")
		case strings.HasPrefix(field, "--dir="):
			cmd.HadDirArg = true
		default:
			promptWords = append(promptWords, field)
		}
	}

	cmd.Prompt = strings.TrimSpace(strings.Join(promptWords, " "))
	return cmd
}

// Valid reports whether cmd carries a parent_id and forbids --dir.
func (c ReplyCommand) Valid() bool {
	return c.ParentID != "" && !c.HadDirArg
}
