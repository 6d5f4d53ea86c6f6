package engine

import (
	"os"
	"strings"
)

// FileKillSwitch halts new entries when a flag file exists. Operators
// toggle it with touch/rm; no restart needed. Writing "0" or "false"
// into the file disarms it without deleting.
type FileKillSwitch struct {
	path string
}

func NewFileKillSwitch(path string) *FileKillSwitch {
	return &FileKillSwitch{path: path}
}

func (k *FileKillSwitch) Halted() bool {
	b, err := os.ReadFile(k.path)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(string(b)) {
	case "0", "false", "off":
		return false
	}
	return true
}
