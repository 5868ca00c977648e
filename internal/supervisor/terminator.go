package supervisor

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
)

// Terminator is the platform strategy for ending a process.
type Terminator interface {
	Name() string
	// Terminate asks the process to exit.
	Terminate(p *os.Process) error
	// Kill ends the process unconditionally.
	Kill(p *os.Process) error
}

// PosixTerminator sends SIGTERM, then SIGKILL.
type PosixTerminator struct{}

func (PosixTerminator) Name() string                  { return "posix" }
func (PosixTerminator) Terminate(p *os.Process) error { return p.Signal(syscall.SIGTERM) }
func (PosixTerminator) Kill(p *os.Process) error      { return p.Kill() }

// WindowsTerminator has no graceful signal; both steps terminate the process.
type WindowsTerminator struct{}

func (WindowsTerminator) Name() string                  { return "windows" }
func (WindowsTerminator) Terminate(p *os.Process) error { return p.Kill() }
func (WindowsTerminator) Kill(p *os.Process) error      { return p.Kill() }

// TerminatorFor picks a strategy by name: posix, windows or auto.
func TerminatorFor(platform string) (Terminator, error) {
	switch platform {
	case "posix":
		return PosixTerminator{}, nil
	case "windows":
		return WindowsTerminator{}, nil
	case "auto", "":
		if runtime.GOOS == "windows" {
			return WindowsTerminator{}, nil
		}
		return PosixTerminator{}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q (want posix, windows or auto)", platform)
	}
}
