// Package pty runs the agent process under a pseudo-terminal, for CLIs that
// buffer or refuse to stream when attached to plain pipes.
package pty

import (
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Size represents terminal dimensions in rows and columns.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is the geometry handed to agents when none is configured.
var DefaultSize = Size{Rows: 40, Cols: 120}

// Runner spawns a command attached to a PTY. The returned stream carries the
// merged stdout/stderr of the process; closing it hangs up the terminal.
// Implementations can be swapped for tests.
type Runner interface {
	Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error)
	Resize(stream io.ReadWriteCloser, size Size) error
}

// CreackPTY implements Runner using github.com/creack/pty.
type CreackPTY struct{}

var _ Runner = (*CreackPTY)(nil)

// Start spawns cmd in a PTY with the given size.
func (CreackPTY) Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error) {
	ws := &pty.Winsize{Rows: size.Rows, Cols: size.Cols}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Resize changes the PTY geometry. The stream must be the *os.File returned
// by Start; other types are a no-op.
func (CreackPTY) Resize(stream io.ReadWriteCloser, size Size) error {
	f, ok := stream.(*os.File)
	if !ok {
		return nil
	}
	return pty.Setsize(f, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}
