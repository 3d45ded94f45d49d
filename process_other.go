//go:build !unix

package parinvoke

import (
	"errors"
	"os"
	"os/exec"
)

var errNoExtraFiles = errors.New("parinvoke: worker processes need inherited pipes, which this platform does not support")

func setExtraFiles(*exec.Cmd, []*os.File) error { return errNoExtraFiles }

func signalTerminate(p *os.Process) error { return p.Kill() }

func exitStatus(exitErr *exec.ExitError) int { return exitErr.ExitCode() }

func workerFile(int, string) *os.File { return nil }
