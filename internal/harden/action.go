package harden

import (
	"fmt"
	"os"
)

// Kind identifies a filesystem operation.
type Kind int

const (
	// ChownTree sets user and group on every entry under Path.
	ChownTree Kind = iota
	// ModeTree sets DirMode on directories and FileMode on regular files under Path.
	ModeTree
	// ChgrpTree sets Group on every entry under Path.
	ChgrpTree
	// Chmod sets Mode on Path.
	Chmod
	// Chgrp sets Group on Path.
	Chgrp
	// EnsureFile creates Path with Content when it does not exist.
	EnsureFile
	// Remove deletes Path.
	Remove
)

func (k Kind) String() string {
	switch k {
	case ChownTree:
		return "chown-tree"
	case ModeTree:
		return "mode-tree"
	case ChgrpTree:
		return "chgrp-tree"
	case Chmod:
		return "chmod"
	case Chgrp:
		return "chgrp"
	case EnsureFile:
		return "ensure-file"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is a single structured filesystem operation. Actions are either
// described (dry-run, logging) or executed; they are never rendered into a
// shell command line.
type Action struct {
	Kind     Kind
	Path     string
	User     string
	Group    string
	Mode     os.FileMode
	DirMode  os.FileMode
	FileMode os.FileMode
	Content  string

	// Optional actions are skipped silently when Path (or, for EnsureFile,
	// its parent directory) does not exist.
	Optional bool
}

// Describe renders the action as a command-like line for humans.
func (a Action) Describe() string {
	var s string
	switch a.Kind {
	case ChownTree:
		s = fmt.Sprintf("chown -R %s:%s %s", a.User, a.Group, a.Path)
	case ModeTree:
		s = fmt.Sprintf("chmod -R dirs=%s files=%s %s", Octal(a.DirMode), Octal(a.FileMode), a.Path)
	case ChgrpTree:
		s = fmt.Sprintf("chgrp -R %s %s", a.Group, a.Path)
	case Chmod:
		s = fmt.Sprintf("chmod %s %s", Octal(a.Mode), a.Path)
	case Chgrp:
		s = fmt.Sprintf("chgrp %s %s", a.Group, a.Path)
	case EnsureFile:
		s = fmt.Sprintf("create %s with %q if missing", a.Path, a.Content)
	case Remove:
		s = fmt.Sprintf("rm -f %s", a.Path)
	default:
		s = fmt.Sprintf("%s %s", a.Kind, a.Path)
	}
	if a.Optional && a.Kind != Remove && a.Kind != EnsureFile {
		s += " (if present)"
	}
	return s
}

// Octal formats a mode as four unix octal digits, including the setuid,
// setgid and sticky bits.
func Octal(m os.FileMode) string {
	return fmt.Sprintf("%04o", UnixBits(m))
}

// UnixBits converts an os.FileMode to raw unix permission bits.
func UnixBits(m os.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}
