//go:build unix

package parinvoke

import (
	"os"
	"os/exec"
	"syscall"
)

// setExtraFiles attaches files to the command. On Unix the child sees them as
// descriptors 3, 4, 5, ... in order.
func setExtraFiles(cmd *exec.Cmd, files []*os.File) error {
	cmd.ExtraFiles = files
	return nil
}

func signalTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func exitStatus(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return exitErr.ExitCode()
}

// workerFile opens a descriptor inherited from the parent.
func workerFile(fd int, name string) *os.File {
	syscall.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name)
}
