//go:build !unix

package git

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(p *os.Process) error {
	return p.Kill()
}
