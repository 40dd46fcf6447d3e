package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath  = "/etc/wp-harden.yml"
	DefaultAccount     = "www-data"
	DefaultBackupDir   = "/var/backups/wp-harden"
	DefaultLogFile     = "/var/log/wp-harden.log"
	DefaultCatalogPath = "/var/lib/wp-harden/catalog.db"
	DefaultMaxDepth    = 3
	MaxDepthLimit      = 6

	envOwner       = "WPH_OWNER"
	envGroup       = "WPH_GROUP"
	envWSGroup     = "WPH_WS_GROUP"
	envBasePaths   = "WPH_BASE_PATHS"
	envBackupDir   = "WPH_BACKUP_DIR"
	envLogFile     = "WPH_LOG_FILE"
	envCatalog     = "WPH_CATALOG"
	envDryRun      = "WPH_DRY_RUN"
	envNoBackup    = "WPH_NO_BACKUP"
	envMaxDepth    = "WPH_MAX_DEPTH"
	envEventsFile  = "WPH_EVENTS_FILE"
	envMetricsFile = "WPH_METRICS_FILE"
)

// ErrNoTarget is returned when neither a target, --all-sites nor --restore was given.
var ErrNoTarget = errors.New("no target given; pass a domain or absolute path, --all-sites, or --restore=BACKUP_BASE")

// Mode selects what a run operates on.
type Mode int

const (
	ModeNone Mode = iota
	ModeTarget
	ModeAllSites
	ModeRestore
)

// DefaultBasePaths seeds the base path list before --base-path values are appended.
func DefaultBasePaths() []string {
	return []string{"/var/www/html", "/var/www"}
}

// Loader merges configuration coming from files, environment variables, and CLI flags.
type Loader struct {
	ConfigPath string
}

// RuntimeConfig contains the fully merged settings. It is built once and passed by value.
type RuntimeConfig struct {
	Target         string
	AllSites       bool
	Restore        string
	Owner          string
	Group          string
	WebServerGroup string
	BasePaths      []string
	DryRun         bool
	Backup         bool
	Verbose        bool
	BackupDir      string
	LogFile        string
	CatalogPath    string
	EventsFile     string
	MetricsFile    string
	MaxDepth       int
}

// Overrides captures values coming from the config file, env vars or CLI flags.
type Overrides struct {
	Target         string
	AllSites       *bool
	Restore        string
	Owner          string
	Group          string
	WebServerGroup string
	// BasePaths replaces the current list, ExtraBasePaths is appended to it.
	BasePaths      []string
	ExtraBasePaths []string
	DryRun         *bool
	Backup         *bool
	Verbose        *bool
	BackupDir      string
	LogFile        string
	CatalogPath    string
	EventsFile     string
	MetricsFile    string
	MaxDepth       int
	MaxDepthSet    bool
}

// DefaultRuntimeConfig returns the baseline configuration when no overrides are provided.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Owner:          DefaultAccount,
		Group:          DefaultAccount,
		WebServerGroup: DefaultAccount,
		BasePaths:      DefaultBasePaths(),
		Backup:         true,
		BackupDir:      DefaultBackupDir,
		LogFile:        DefaultLogFile,
		CatalogPath:    DefaultCatalogPath,
		MaxDepth:       DefaultMaxDepth,
	}
}

// Load resolves the final runtime configuration.
func (l Loader) Load(override Overrides) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	path := l.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}

	if fileExists(path) {
		fileOv, err := loadFromFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg.apply(fileOv)
	}

	envOv, err := overridesFromEnv()
	if err != nil {
		return cfg, err
	}
	cfg.apply(envOv)
	cfg.apply(override)

	return cfg, nil
}

// Mode reports which of the mutually exclusive run modes is selected.
func (c RuntimeConfig) Mode() Mode {
	switch {
	case c.Restore != "":
		return ModeRestore
	case c.AllSites:
		return ModeAllSites
	case c.Target != "":
		return ModeTarget
	default:
		return ModeNone
	}
}

// Validate ensures exactly one run mode is selected and the settings are usable.
func (c RuntimeConfig) Validate() error {
	selected := 0
	for _, set := range []bool{c.Target != "", c.AllSites, c.Restore != ""} {
		if set {
			selected++
		}
	}
	if selected == 0 {
		return ErrNoTarget
	}
	if selected > 1 {
		return errors.New("choose only one of: a target, --all-sites, or --restore")
	}

	return c.ValidateSettings()
}

// ValidateSettings checks everything except the run mode.
func (c RuntimeConfig) ValidateSettings() error {
	for _, account := range []struct{ flag, value string }{
		{"owner", c.Owner},
		{"group", c.Group},
		{"ws-group", c.WebServerGroup},
	} {
		if err := validateAccountName(account.value); err != nil {
			return fmt.Errorf("invalid --%s: %w", account.flag, err)
		}
	}

	if len(c.BasePaths) == 0 {
		return errors.New("at least one base path must be configured")
	}
	for _, base := range c.BasePaths {
		if !filepath.IsAbs(base) {
			return fmt.Errorf("base path must be absolute: %s", base)
		}
	}

	if c.MaxDepth < 1 || c.MaxDepth > MaxDepthLimit {
		return fmt.Errorf("max depth must be between 1 and %d (got %d)", MaxDepthLimit, c.MaxDepth)
	}

	if c.BackupDir == "" {
		return errors.New("backup directory cannot be empty")
	}

	return nil
}

func validateAccountName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if strings.ContainsAny(name, ": \t\n/") {
		return fmt.Errorf("name %q contains forbidden characters", name)
	}
	return nil
}

func (c *RuntimeConfig) apply(src Overrides) {
	if src.Target != "" {
		c.Target = src.Target
	}

	if src.AllSites != nil {
		c.AllSites = *src.AllSites
	}

	if src.Restore != "" {
		c.Restore = src.Restore
	}

	if src.Owner != "" {
		c.Owner = src.Owner
	}

	if src.Group != "" {
		c.Group = src.Group
	}

	if src.WebServerGroup != "" {
		c.WebServerGroup = src.WebServerGroup
	}

	if len(src.BasePaths) > 0 {
		c.BasePaths = cleanPaths(src.BasePaths)
	}

	if len(src.ExtraBasePaths) > 0 {
		c.BasePaths = appendUnique(c.BasePaths, cleanPaths(src.ExtraBasePaths)...)
	}

	if src.DryRun != nil {
		c.DryRun = *src.DryRun
	}

	if src.Backup != nil {
		c.Backup = *src.Backup
	}

	if src.Verbose != nil {
		c.Verbose = *src.Verbose
	}

	if src.BackupDir != "" {
		c.BackupDir = filepath.Clean(src.BackupDir)
	}

	if src.LogFile != "" {
		c.LogFile = src.LogFile
	}

	if src.CatalogPath != "" {
		c.CatalogPath = src.CatalogPath
	}

	if src.EventsFile != "" {
		c.EventsFile = src.EventsFile
	}

	if src.MetricsFile != "" {
		c.MetricsFile = src.MetricsFile
	}

	if src.MaxDepthSet {
		c.MaxDepth = src.MaxDepth
	}
}

func loadFromFile(path string) (Overrides, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Overrides{}, err
	}

	type rawConfig struct {
		Owner       string   `yaml:"owner"`
		Group       string   `yaml:"group"`
		WSGroup     string   `yaml:"wsGroup"`
		BasePaths   pathList `yaml:"basePaths"`
		Backup      *bool    `yaml:"backup"`
		BackupDir   string   `yaml:"backupDir"`
		LogFile     string   `yaml:"logFile"`
		Catalog     string   `yaml:"catalog"`
		EventsFile  string   `yaml:"eventsFile"`
		MetricsFile string   `yaml:"metricsFile"`
		MaxDepth    *int     `yaml:"maxDepth"`
		Verbose     *bool    `yaml:"verbose"`
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Overrides{}, err
	}

	over := Overrides{
		Owner:          raw.Owner,
		Group:          raw.Group,
		WebServerGroup: raw.WSGroup,
		BasePaths:      raw.BasePaths,
		Backup:         raw.Backup,
		BackupDir:      raw.BackupDir,
		LogFile:        raw.LogFile,
		CatalogPath:    raw.Catalog,
		EventsFile:     raw.EventsFile,
		MetricsFile:    raw.MetricsFile,
		Verbose:        raw.Verbose,
	}

	if raw.MaxDepth != nil {
		over.MaxDepth = *raw.MaxDepth
		over.MaxDepthSet = true
	}

	return over, nil
}

func overridesFromEnv() (Overrides, error) {
	ov := Overrides{
		Owner:          os.Getenv(envOwner),
		Group:          os.Getenv(envGroup),
		WebServerGroup: os.Getenv(envWSGroup),
		BackupDir:      os.Getenv(envBackupDir),
		LogFile:        os.Getenv(envLogFile),
		CatalogPath:    os.Getenv(envCatalog),
		EventsFile:     os.Getenv(envEventsFile),
		MetricsFile:    os.Getenv(envMetricsFile),
	}

	if value := os.Getenv(envBasePaths); value != "" {
		ov.BasePaths = ParsePathList(value)
	}

	if value := os.Getenv(envDryRun); value != "" {
		parsed := parseBool(value)
		ov.DryRun = &parsed
	}

	if value := os.Getenv(envNoBackup); value != "" {
		backup := !parseBool(value)
		ov.Backup = &backup
	}

	if value := os.Getenv(envMaxDepth); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return ov, fmt.Errorf("%s must be an integer: %w", envMaxDepth, err)
		}
		ov.MaxDepth = parsed
		ov.MaxDepthSet = true
	}

	return ov, nil
}

func parseBool(value string) bool {
	return strings.EqualFold(value, "true") || strings.EqualFold(value, "yes") || value == "1"
}

// ParsePathList turns colon, comma or newline separated input into individual paths.
func ParsePathList(input string) []string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil
	}

	parts := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ':' || r == ',' || r == '\n' || r == '\r'
	})
	return cleanPaths(parts)
}

func cleanPaths(values []string) []string {
	var out []string
	for _, v := range values {
		candidate := strings.TrimSpace(v)
		if candidate != "" {
			out = appendUnique(out, filepath.Clean(candidate))
		}
	}
	return out
}

func appendUnique(list []string, values ...string) []string {
	out := append([]string(nil), list...)
	for _, v := range values {
		dup := false
		for _, existing := range out {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// pathList enables YAML fields that can be specified as a scalar or sequence.
type pathList []string

func (p *pathList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var out []string
		for _, node := range value.Content {
			out = append(out, strings.TrimSpace(node.Value))
		}
		*p = cleanPaths(out)
	case yaml.ScalarNode:
		*p = ParsePathList(value.Value)
	default:
		return fmt.Errorf("unsupported YAML type for basePaths")
	}
	return nil
}
