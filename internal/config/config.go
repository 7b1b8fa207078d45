package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/scan-migrate/internal/api"
	"github.com/johndauphine/scan-migrate/internal/retry"
	"github.com/johndauphine/scan-migrate/internal/scan"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for a scan copy run
type Config struct {
	Source    InstanceConfig  `yaml:"source"`
	Target    InstanceConfig  `yaml:"target"`
	API       APIConfig       `yaml:"api"`
	Migration MigrationConfig `yaml:"migration"`
	Retry     RetryConfig     `yaml:"retry"`
	Download  DownloadConfig  `yaml:"download"`
	Slack     SlackConfig     `yaml:"slack"`
	Profile   ProfileConfig   `yaml:"profile,omitempty"`
}

// ProfileConfig holds optional profile metadata.
type ProfileConfig struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// InstanceConfig describes one tenant: its API login and its maintenance database.
type InstanceConfig struct {
	Instance string         `yaml:"instance"`
	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	StoreID  int64          `yaml:"store_id"` // target only: store the copied scans belong to
	DB       DatabaseConfig `yaml:"db"`
}

// DatabaseConfig holds the Postgres connection used to read scans.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "pgx" (default) or "pq"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

// APIConfig holds the scan service endpoint and per-call timeouts.
type APIConfig struct {
	BaseURL         string        `yaml:"base_url"` // may contain {instance}
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
	CreateTimeout   time.Duration `yaml:"create_timeout"`
}

// MigrationConfig holds batch and pipeline settings
type MigrationConfig struct {
	ScanIDs          []int64       `yaml:"scan_ids"`
	ScanIDsFile      string        `yaml:"scan_ids_file"` // one id per line or comma separated
	BatchSize        int           `yaml:"batch_size"`
	BatchRetries     int           `yaml:"batch_retries"`
	BatchRetryDelay  time.Duration `yaml:"batch_retry_delay"` // multiplied by the attempt number
	DownloadWorkers  int           `yaml:"download_workers"`
	UploadWorkers    int           `yaml:"upload_workers"`
	CreateWorkers    int           `yaml:"create_workers"`
	MinSuccessRatio  float64       `yaml:"min_success_ratio"`
	FieldsToStrip    []string      `yaml:"fields_to_strip"`
	EnableCheckpoint *bool         `yaml:"enable_checkpoint"`
	ResultsDir       string        `yaml:"results_dir"`
	DataDir          string        `yaml:"data_dir"`
	FileKind         string        `yaml:"file_kind"`   // upload input_type
	CapturedAt       string        `yaml:"captured_at"` // RFC3339; empty means run start
}

// RetryConfig configures item-level and batch-level retry.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	ItemBudget    time.Duration `yaml:"item_budget"`
	BatchBudget   time.Duration `yaml:"batch_budget"`
}

// DownloadConfig holds settings for the download-only command.
type DownloadConfig struct {
	Folder string `yaml:"folder"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Migration.ScanIDsFile != "" && !filepath.IsAbs(cfg.Migration.ScanIDsFile) {
		cfg.Migration.ScanIDsFile = filepath.Join(filepath.Dir(path), cfg.Migration.ScanIDsFile)
	}
	return cfg.finish()
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

func parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := seeded()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// seeded returns a Config holding the defaults of fields where zero is a
// valid setting. Decoding over it keeps an explicit 0 from the file.
func seeded() Config {
	var c Config
	c.Migration.BatchRetries = 3
	c.Migration.MinSuccessRatio = 0.8
	c.Retry.MaxRetries = retry.DefaultPolicy().MaxRetries
	return c
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// DefaultDataDir returns the default data directory for run history and profiles.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".scan-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	c.Source.DB.applyDefaults(c.Source.Instance)
	c.Target.DB.applyDefaults(c.Target.Instance)

	if c.API.BaseURL == "" {
		c.API.BaseURL = api.DefaultBaseURL
	}
	d := api.DefaultTimeouts()
	if c.API.AuthTimeout == 0 {
		c.API.AuthTimeout = d.Auth
	}
	if c.API.MetadataTimeout == 0 {
		c.API.MetadataTimeout = d.Metadata
	}
	if c.API.DownloadTimeout == 0 {
		c.API.DownloadTimeout = d.Download
	}
	if c.API.UploadTimeout == 0 {
		c.API.UploadTimeout = d.Upload
	}
	if c.API.CreateTimeout == 0 {
		c.API.CreateTimeout = d.Create
	}

	m := &c.Migration
	if m.BatchSize == 0 {
		m.BatchSize = 10
	}
	if m.BatchRetryDelay == 0 {
		m.BatchRetryDelay = 5 * time.Second
	}
	if m.DownloadWorkers == 0 {
		m.DownloadWorkers = 20
	}
	if m.UploadWorkers == 0 {
		m.UploadWorkers = 20
	}
	// The target is less stable under concurrent creates.
	if m.CreateWorkers == 0 {
		m.CreateWorkers = 15
	}
	if m.FieldsToStrip == nil {
		m.FieldsToStrip = append([]string(nil), scan.DefaultFieldsToStrip...)
	}
	if m.EnableCheckpoint == nil {
		enabled := true
		m.EnableCheckpoint = &enabled
	}
	if m.ResultsDir == "" {
		m.ResultsDir = "testResults"
	}
	m.ResultsDir = expandTilde(m.ResultsDir)
	m.DataDir = expandTilde(m.DataDir)
	if m.FileKind == "" {
		m.FileKind = "image"
	}

	r := &c.Retry
	rd := retry.DefaultPolicy()
	if r.BaseDelay == 0 {
		r.BaseDelay = rd.BaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = rd.MaxDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = rd.BackoffFactor
	}
	if r.ItemBudget == 0 {
		r.ItemBudget = rd.Budget
	}
	if r.BatchBudget == 0 {
		r.BatchBudget = 30 * time.Minute
	}

	if c.Download.Folder == "" {
		c.Download.Folder = filepath.Join(m.ResultsDir, "downloads")
	}
	c.Download.Folder = expandTilde(c.Download.Folder)

	if c.Slack.Username == "" {
		c.Slack.Username = "scan-migrate"
	}
}

// applyDefaults fills in the maintenance proxy conventions: host
// <instance>-maint.rebotics.net, user proxyuser, database named after the instance.
func (d *DatabaseConfig) applyDefaults(instance string) {
	if d.Driver == "" {
		d.Driver = "pgx"
	}
	if d.Host == "" && instance != "" {
		d.Host = instance + "-maint.rebotics.net"
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.User == "" {
		d.User = "proxyuser"
	}
	if d.Database == "" {
		d.Database = instance
	}
	if d.SSLMode == "" {
		d.SSLMode = "require"
	}
	if d.MaxConns == 0 {
		d.MaxConns = 4
	}
}

// Validate checks settings needed by every command.
func (c *Config) Validate() error {
	if c.Source.Instance == "" {
		return fmt.Errorf("missing required source.instance")
	}
	if c.Source.Username == "" {
		return fmt.Errorf("missing required source.username")
	}
	if err := c.Source.DB.validate("source.db"); err != nil {
		return err
	}
	if c.Target.Instance != "" {
		if err := c.Target.DB.validate("target.db"); err != nil {
			return err
		}
	}

	m := c.Migration
	if m.BatchSize < 1 {
		return fmt.Errorf("invalid value for migration.batch_size: %d", m.BatchSize)
	}
	if m.BatchRetries < 0 {
		return fmt.Errorf("invalid value for migration.batch_retries: %d", m.BatchRetries)
	}
	if m.MinSuccessRatio < 0 || m.MinSuccessRatio > 1 {
		return fmt.Errorf("invalid value for migration.min_success_ratio: %v (must be between 0 and 1)", m.MinSuccessRatio)
	}
	for _, id := range m.ScanIDs {
		if id <= 0 {
			return fmt.Errorf("invalid value in migration.scan_ids: %d (must be positive)", id)
		}
	}
	if m.CapturedAt != "" {
		if _, err := time.Parse(time.RFC3339, m.CapturedAt); err != nil {
			return fmt.Errorf("invalid value for migration.captured_at: %w", err)
		}
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("invalid value for retry.backoff_factor: %v (must be >= 1)", c.Retry.BackoffFactor)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid value for retry.max_retries: %d", c.Retry.MaxRetries)
	}
	return nil
}

// ValidateCopy checks the extra settings the copy command needs.
func (c *Config) ValidateCopy() error {
	if c.Target.Instance == "" {
		return fmt.Errorf("missing required target.instance")
	}
	if c.Target.Username == "" {
		return fmt.Errorf("missing required target.username")
	}
	if c.Target.StoreID <= 0 {
		return fmt.Errorf("missing required target.store_id")
	}
	return nil
}

func (d DatabaseConfig) validate(prefix string) error {
	if d.Driver != "pgx" && d.Driver != "pq" {
		return fmt.Errorf("%s.driver must be 'pgx' or 'pq', got '%s'", prefix, d.Driver)
	}
	if d.Host == "" {
		return fmt.Errorf("missing required %s.host", prefix)
	}
	if d.Database == "" {
		return fmt.Errorf("missing required %s.database", prefix)
	}
	return nil
}

// DSN returns a postgres:// URL for this database.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + strconv.Itoa(d.Port),
		Path:     "/" + d.Database,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

// CheckpointEnabled reports whether batch checkpoints are written.
func (c *Config) CheckpointEnabled() bool {
	return c.Migration.EnableCheckpoint == nil || *c.Migration.EnableCheckpoint
}

// CapturedAt returns the configured capture time, or fallback when unset.
func (c *Config) CapturedAt(fallback time.Time) time.Time {
	if c.Migration.CapturedAt == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, c.Migration.CapturedAt)
	if err != nil {
		return fallback
	}
	return t
}

// ItemPolicy is the retry policy for single uploads, creates and downloads.
func (c *Config) ItemPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    c.Retry.MaxRetries,
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
		BackoffFactor: c.Retry.BackoffFactor,
		Budget:        c.Retry.ItemBudget,
	}
}

// APITimeouts converts the api section for api.WithTimeouts.
func (c *Config) APITimeouts() api.Timeouts {
	return api.Timeouts{
		Auth:     c.API.AuthTimeout,
		Metadata: c.API.MetadataTimeout,
		Download: c.API.DownloadTimeout,
		Upload:   c.API.UploadTimeout,
		Create:   c.API.CreateTimeout,
	}
}

// ResolveScanIDs returns scan_ids followed by any ids read from scan_ids_file.
func (c *Config) ResolveScanIDs() ([]int64, error) {
	ids := append([]int64(nil), c.Migration.ScanIDs...)
	if c.Migration.ScanIDsFile == "" {
		return ids, nil
	}
	data, err := os.ReadFile(expandTilde(c.Migration.ScanIDsFile))
	if err != nil {
		return nil, fmt.Errorf("reading scan ids file: %w", err)
	}
	more, err := ParseScanIDs(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Migration.ScanIDsFile, err)
	}
	return append(ids, more...), nil
}

// ParseScanIDs parses positive ids separated by commas, spaces or newlines.
func ParseScanIDs(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r' || r == ' ' || r == '\t' || r == ';'
	})
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q in scan id list", f)
		}
		if id <= 0 {
			return nil, fmt.Errorf("invalid value %d in scan id list (must be positive)", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c

	sanitized.Source.Password = "[REDACTED]"
	sanitized.Source.DB.Password = "[REDACTED]"
	sanitized.Target.Password = "[REDACTED]"
	sanitized.Target.DB.Password = "[REDACTED]"

	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}
	return &sanitized
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
