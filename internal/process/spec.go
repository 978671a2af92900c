package process

import (
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// ErrEmptyCommand is returned by Validate when neither Command nor Args is set.
var ErrEmptyCommand = errors.New("process requires command or args")

// Spec is a fully formed command line for one slot. Args, when set, is run
// directly as argv; otherwise Command is interpreted by BuildCommand.
type Spec struct {
	Slot    string   `json:"slot"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Validate checks that the spec names something to run.
func (s Spec) Validate() error {
	if len(s.Args) > 0 {
		if strings.TrimSpace(s.Args[0]) == "" {
			return ErrEmptyCommand
		}
		return nil
	}
	if strings.TrimSpace(s.Command) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// CommandLine is the human-readable command recorded in slot state.
func (s Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return strings.TrimSpace(s.Command)
	}
	parts := make([]string, len(s.Args))
	for i, a := range s.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

// BuildCommand constructs an *exec.Cmd for the spec.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204 -- argv supplied by the caller is the point of the runner
		return exec.Command(s.Args[0], s.Args[1:]...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG
// verbatim, minus one pair of surrounding quotes.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
