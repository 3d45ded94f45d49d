//go:build !linux

package parinvoke

import "os/exec"

func configureSysProc(*exec.Cmd) {}
