//go:build !unix

package sandbox

import "os"

// signalGroup kills pid. Process groups are a unix notion.
func signalGroup(pid int, _ bool) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
