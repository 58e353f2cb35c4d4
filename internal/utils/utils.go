package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// SafeCommand wraps exec.Cmd with a buffer that keeps the child's stderr, so a
// crashed model worker or ffmpeg process can still explain itself.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares (but does not start) a command bound to ctx with stderr captured.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ErrOut is where ShowError writes; tests swap it out.
var ErrOut io.Writer = os.Stderr

// ShowError prints the boxed rollcall error report, including the captured child
// stderr when a SafeCommand is given.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(ErrOut, "\n---------------------------------------------------------\n")
	fmt.Fprintf(ErrOut, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(ErrOut, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(ErrOut, "\nWORKER LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(ErrOut, "---------------------------------------------------------\n")
}
