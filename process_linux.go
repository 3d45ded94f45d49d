//go:build linux

package parinvoke

import (
	"os/exec"
	"syscall"
)

// configureSysProc kills the worker if the parent dies without shutting it down.
//
// The kernel delivers Pdeathsig when the OS thread that started the child
// exits, not the whole process. The runtime retires the thread of a goroutine
// that exits while locked with runtime.LockOSThread, so spawnWorker forks from
// a goroutine of its own.
func configureSysProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
