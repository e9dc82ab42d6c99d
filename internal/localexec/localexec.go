// Package localexec runs shell-escaped input on the operator's machine.
// Anything typed at the cluster shell that starts with "!" bypasses the
// dispatcher and executes locally through the user's own shell.
package localexec

import (
	"io"
	"os"
	"os/exec"

	"github.com/rileyhilliard/herd/internal/errors"
)

// Run executes cmd through the user's shell, streaming output to the given
// writers. A non-zero exit from the command is not an error; it is returned
// as the exit code the way a shell reports it.
func Run(cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	command := exec.Command(shell, "-c", cmd)
	command.Stdin = stdin
	command.Stdout = stdout
	command.Stderr = stderr

	if err := command.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, errors.WrapWithCode(err, errors.ErrExec,
			"Couldn't run the command locally",
			"Make sure the command exists and is executable")
	}
	return 0, nil
}
