// Package harden applies the fixed WordPress ownership and permission policy.
package harden

import (
	"os"

	"github.com/example/wp-harden/internal/site"
)

// Modes applied by the policy.
const (
	DirMode         os.FileMode = 0o755
	FileMode        os.FileMode = 0o644
	ConfigMode      os.FileMode = 0o600
	ContentDirMode              = os.ModeSetgid | 0o755
	ContentFileMode os.FileMode = 0o664
	LockedMode      os.FileMode = 0
	IncludesMode    os.FileMode = 0o750
	HtaccessMode    os.FileMode = 0o644
)

// UploadsHtaccess disables directory listing under wp-content/uploads.
const UploadsHtaccess = "Options -Indexes\n"

// RemovedFiles are deleted from the site root when present.
var RemovedFiles = []string{"wp-config-sample.php", "readme.html", "license.txt"}

// Policy names the identities the site is hardened for.
type Policy struct {
	Owner          string
	Group          string
	WebServerGroup string
}

// Step is one named stage of the hardening sequence.
type Step struct {
	Name    string
	Actions []Action
}

// Plan returns the ten hardening steps for s in execution order.
func Plan(s site.Site, p Policy) []Step {
	content := s.Path(site.ContentDir)
	htaccess := s.Path(site.ContentDir, "uploads", ".htaccess")

	steps := []Step{
		{
			Name:    "Set ownership",
			Actions: []Action{{Kind: ChownTree, Path: s.Root, User: p.Owner, Group: p.Group}},
		},
		{
			Name:    "Set base permissions",
			Actions: []Action{{Kind: ModeTree, Path: s.Root, DirMode: DirMode, FileMode: FileMode}},
		},
		{
			Name: "Secure wp-config.php",
			Actions: []Action{
				{Kind: Chgrp, Path: s.Path(site.ConfigFile), Group: p.WebServerGroup},
				{Kind: Chmod, Path: s.Path(site.ConfigFile), Mode: ConfigMode},
			},
		},
		{
			Name: "Secure wp-content",
			Actions: []Action{
				{Kind: ChgrpTree, Path: content, Group: p.WebServerGroup},
				{Kind: ModeTree, Path: content, DirMode: ContentDirMode, FileMode: ContentFileMode},
			},
		},
		{
			Name:    "Lock xmlrpc.php",
			Actions: []Action{{Kind: Chmod, Path: s.Path("xmlrpc.php"), Mode: LockedMode, Optional: true}},
		},
		{
			Name:    "Restrict wp-includes",
			Actions: []Action{{Kind: Chmod, Path: s.Path("wp-includes"), Mode: IncludesMode, Optional: true}},
		},
		{
			Name:    "Lock debug.log",
			Actions: []Action{{Kind: Chmod, Path: s.Path(site.ContentDir, "debug.log"), Mode: LockedMode, Optional: true}},
		},
		{
			Name: "Disable uploads directory listing",
			Actions: []Action{
				{Kind: EnsureFile, Path: htaccess, Content: UploadsHtaccess, Optional: true},
				{Kind: Chmod, Path: htaccess, Mode: HtaccessMode, Optional: true},
				{Kind: Chgrp, Path: htaccess, Group: p.WebServerGroup, Optional: true},
			},
		},
	}

	removals := Step{Name: "Remove sample and readme files"}
	for _, name := range RemovedFiles {
		removals.Actions = append(removals.Actions, Action{Kind: Remove, Path: s.Path(name), Optional: true})
	}
	steps = append(steps, removals)

	steps = append(steps, Step{
		Name: "Secure .htaccess",
		Actions: []Action{
			{Kind: Chmod, Path: s.Path(".htaccess"), Mode: HtaccessMode, Optional: true},
			{Kind: Chgrp, Path: s.Path(".htaccess"), Group: p.WebServerGroup, Optional: true},
		},
	})

	return steps
}
