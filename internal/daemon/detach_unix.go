//go:build unix

package daemon

import "syscall"

// detachedProcAttr puts the spawned daemon in its own session so it
// survives the CLI process and its terminal.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
