// Package acl drives the getfacl/setfacl binaries used for ACL snapshots.
package acl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Tool defines the operations needed to snapshot and reapply POSIX ACLs.
type Tool interface {
	Available() bool
	Dump(ctx context.Context, root string, w io.Writer) error
	Restore(ctx context.Context, aclFile string) error
}

// CommandTool executes the real getfacl and setfacl binaries present on the host.
type CommandTool struct {
	GetBinary string
	SetBinary string
}

// NewTool returns a default command tool.
func NewTool() *CommandTool {
	return &CommandTool{GetBinary: "getfacl", SetBinary: "setfacl"}
}

// EnsureBinary verifies that both ACL binaries are discoverable on PATH.
func (t *CommandTool) EnsureBinary() error {
	for _, bin := range []string{t.GetBinary, t.SetBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s binary not found: %w", bin, err)
		}
	}
	return nil
}

// Available reports whether EnsureBinary succeeds.
func (t *CommandTool) Available() bool {
	return t.EnsureBinary() == nil
}

// Dump writes a recursive ACL dump of root using absolute path names.
func (t *CommandTool) Dump(ctx context.Context, root string, w io.Writer) error {
	// Binary path is controlled by the application and root is passed as a
	// single argument after "--", so it can never be read as an option.
	cmd := exec.CommandContext(ctx, t.GetBinary, "-R", "-p", "--", root) // #nosec G204
	stderr := &bytes.Buffer{}
	cmd.Stdout = w
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return commandError(t.GetBinary, err, stderr)
	}
	return nil
}

// Restore reapplies a dump produced by Dump.
func (t *CommandTool) Restore(ctx context.Context, aclFile string) error {
	cmd := exec.CommandContext(ctx, t.SetBinary, "--restore="+aclFile) // #nosec G204
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return commandError(t.SetBinary, err, stderr)
	}
	return nil
}

func commandError(bin string, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s failed: %w", bin, err)
	}
	return fmt.Errorf("%s failed: %w: %s", bin, err, msg)
}
