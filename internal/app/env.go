package app

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"unicode/utf8"
)

var LookPath = exec.LookPath

func HasExecutable(name string) bool {
	if name == "" {
		return false
	}
	_, err := LookPath(name)
	return err == nil
}

// ToolCheck runs a tool with arguments that only print version information.
type ToolCheck func(ctx context.Context, name string, args ...string) error

// ExecToolCheck is the ToolCheck used outside tests.
func ExecToolCheck(ctx context.Context, name string, args ...string) error {
	path, err := LookPath(name)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &toolError{name: name, err: err, output: strings.TrimSpace(out.String())}
	}
	return nil
}

type toolError struct {
	name   string
	err    error
	output string
}

func (e *toolError) Error() string {
	if e.output == "" {
		return e.name + ": " + e.err.Error()
	}
	return e.name + ": " + e.err.Error() + ": " + truncate(e.output, 200)
}

func (e *toolError) Unwrap() error {
	return e.err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
