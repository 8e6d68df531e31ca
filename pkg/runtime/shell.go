package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
)

// ShellRuntime hands the rendered command line to the host shell, the way
// a C system() call does. A missing program surfaces as the shell's exit
// status (127 on POSIX shells) rather than as a Start error.
type ShellRuntime struct {
	// Shell is the interpreter; defaults to /bin/sh, or cmd on Windows.
	Shell   string
	WorkDir string
}

// NewShellRuntime creates a shell-backed runtime.
func NewShellRuntime(shell, workDir string) *ShellRuntime {
	if shell == "" {
		shell = defaultShell()
	}
	return &ShellRuntime{Shell: shell, WorkDir: workDir}
}

func defaultShell() string {
	if goruntime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

func shellFlag(shell string) string {
	if goruntime.GOOS == "windows" && strings.EqualFold(strings.TrimSuffix(shell, ".exe"), "cmd") {
		return "/C"
	}
	return "-c"
}

// Line returns the exact string handed to the shell, including the
// null-device redirection when output is suppressed.
func (s *ShellRuntime) Line(opts StartOptions) string {
	line := opts.CommandLine
	if line == "" {
		line = strings.Join(opts.Command, " ")
	}
	if opts.SuppressOutput {
		line += " > " + os.DevNull
	}
	return line
}

// Start implements Runtime.Start by running "<shell> -c <line>".
func (s *ShellRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	line := s.Line(opts)
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, s.Shell, shellFlag(s.Shell), line)
	cmd.Dir = s.WorkDir
	cmd.Env = append(os.Environ(), mapToEnvList(opts.Env)...)
	// The shell performs the redirection itself.
	opts.SuppressOutput = false
	cmd.Stdout = stdoutFor(opts)
	cmd.Stderr = stderrFor(opts)

	return startCmd(cmd)
}
