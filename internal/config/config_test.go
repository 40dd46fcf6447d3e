package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderLoadWithFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wp-harden.yml")
	configBody := []byte("owner: deploy\ngroup: deploy\nwsGroup: nginx\nbasePaths:\n  - /srv/sites\nmaxDepth: 2\nbackup: false\n")
	if err := os.WriteFile(configPath, configBody, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(envWSGroup, "apache")
	t.Setenv(envMaxDepth, "4")

	loader := Loader{ConfigPath: configPath}
	cfg, err := loader.Load(Overrides{Target: "example.com"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}

	if cfg.Owner != "deploy" || cfg.Group != "deploy" {
		t.Fatalf("expected deploy:deploy, got %s:%s", cfg.Owner, cfg.Group)
	}

	if cfg.WebServerGroup != "apache" {
		t.Fatalf("env override should set ws group to apache, got %s", cfg.WebServerGroup)
	}

	if cfg.MaxDepth != 4 {
		t.Fatalf("env override should set max depth to 4, got %d", cfg.MaxDepth)
	}

	if len(cfg.BasePaths) != 1 || cfg.BasePaths[0] != "/srv/sites" {
		t.Fatalf("unexpected base paths: %#v", cfg.BasePaths)
	}

	if cfg.Backup {
		t.Fatalf("config file disabled backups")
	}

	if cfg.Mode() != ModeTarget {
		t.Fatalf("expected target mode, got %v", cfg.Mode())
	}
}

func TestDefaultsWithoutConfigFile(t *testing.T) {
	loader := Loader{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}
	cfg, err := loader.Load(Overrides{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Owner != DefaultAccount || cfg.Group != DefaultAccount || cfg.WebServerGroup != DefaultAccount {
		t.Fatalf("expected www-data defaults, got %+v", cfg)
	}

	if !cfg.Backup {
		t.Fatalf("backups should default to on")
	}

	if len(cfg.BasePaths) != len(DefaultBasePaths()) {
		t.Fatalf("expected default base paths, got %#v", cfg.BasePaths)
	}

	if !errors.Is(cfg.Validate(), ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget without a target")
	}
}

func TestExtraBasePathsAreAppended(t *testing.T) {
	loader := Loader{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}
	allSites := true
	cfg, err := loader.Load(Overrides{
		AllSites:       &allSites,
		ExtraBasePaths: []string{"/srv/one/", "/srv/two", "/var/www"},
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	want := []string{"/var/www/html", "/var/www", "/srv/one", "/srv/two"}
	if len(cfg.BasePaths) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.BasePaths)
	}
	for i := range want {
		if cfg.BasePaths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.BasePaths)
		}
	}
}

func TestValidateModes(t *testing.T) {
	yes := true
	tests := []struct {
		name    string
		ov      Overrides
		wantErr bool
		mode    Mode
	}{
		{name: "target", ov: Overrides{Target: "example.com"}, mode: ModeTarget},
		{name: "all sites", ov: Overrides{AllSites: &yes}, mode: ModeAllSites},
		{name: "restore", ov: Overrides{Restore: "example.com-1700000000"}, mode: ModeRestore},
		{name: "target and all sites", ov: Overrides{Target: "example.com", AllSites: &yes}, wantErr: true},
		{name: "restore and target", ov: Overrides{Target: "example.com", Restore: "x"}, wantErr: true},
		{name: "bad owner", ov: Overrides{Target: "example.com", Owner: "www data"}, wantErr: true},
		{name: "depth too large", ov: Overrides{Target: "example.com", MaxDepth: 42, MaxDepthSet: true}, wantErr: true},
		{name: "relative base path", ov: Overrides{Target: "example.com", BasePaths: []string{"www"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := Loader{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}
			cfg, err := loader.Load(tt.ov)
			if err != nil {
				t.Fatalf("load config: %v", err)
			}

			err = cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected validation error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Mode() != tt.mode {
				t.Fatalf("expected mode %v, got %v", tt.mode, cfg.Mode())
			}
		})
	}
}

func TestEnvBasePathsAndNoBackup(t *testing.T) {
	t.Setenv(envBasePaths, "/srv/a:/srv/b,/srv/a")
	t.Setenv(envNoBackup, "1")
	t.Setenv(envDryRun, "true")

	loader := Loader{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}
	cfg, err := loader.Load(Overrides{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if len(cfg.BasePaths) != 2 || cfg.BasePaths[0] != "/srv/a" || cfg.BasePaths[1] != "/srv/b" {
		t.Fatalf("unexpected base paths: %#v", cfg.BasePaths)
	}
	if cfg.Backup {
		t.Fatalf("WPH_NO_BACKUP should disable backups")
	}
	if !cfg.DryRun {
		t.Fatalf("WPH_DRY_RUN should enable dry-run")
	}
}

func TestInvalidEnvDepth(t *testing.T) {
	t.Setenv(envMaxDepth, "deep")
	loader := Loader{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}
	if _, err := loader.Load(Overrides{}); err == nil {
		t.Fatalf("expected error for non-numeric depth")
	}
}

func TestBasePathsScalarInYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wp-harden.yml")
	if err := os.WriteFile(configPath, []byte("basePaths: /srv/a, /srv/b\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Loader{ConfigPath: configPath}.Load(Overrides{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if len(cfg.BasePaths) != 2 || cfg.BasePaths[1] != "/srv/b" {
		t.Fatalf("unexpected base paths: %#v", cfg.BasePaths)
	}
}
