package integration

import (
	"fmt"
	"strings"

	"github.com/cuemby/ldb/pkg/vfs"
)

// crashFS wraps a vfs.FS and lets a test arm a one-shot failure on the
// next Rename whose destination matches a suffix, simulating a
// process death between two renames of a multi-rename protocol (the
// seal/gc/promote sequence pkg/task's compact rewrite uses). Every
// other call passes straight through to the underlying FS.
type crashFS struct {
	vfs.FS
	armSuffix string
	fired     bool
}

func (c *crashFS) arm(destSuffix string) {
	c.armSuffix = destSuffix
	c.fired = false
}

func (c *crashFS) Rename(oldPath, newPath string) error {
	if !c.fired && c.armSuffix != "" && strings.HasSuffix(newPath, c.armSuffix) {
		c.fired = true
		c.armSuffix = ""
		return fmt.Errorf("crashfs: simulated crash renaming %s -> %s", oldPath, newPath)
	}
	return c.FS.Rename(oldPath, newPath)
}
