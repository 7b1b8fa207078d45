package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
source:
  instance: albt
  username: reader
  password: secret
  db:
    password: dbsecret
target:
  instance: stgalbt
  username: writer
  password: secret2
  store_id: 991
migration:
  scan_ids: [101, 102, 103]
`

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if cfg.Source.DB.Host != "albt-maint.rebotics.net" {
		t.Errorf("source host = %q", cfg.Source.DB.Host)
	}
	if cfg.Source.DB.Database != "albt" || cfg.Source.DB.User != "proxyuser" || cfg.Source.DB.Port != 5432 {
		t.Errorf("unexpected source db defaults: %+v", cfg.Source.DB)
	}
	if cfg.Target.DB.Host != "stgalbt-maint.rebotics.net" {
		t.Errorf("target host = %q", cfg.Target.DB.Host)
	}
	if cfg.Source.DB.Driver != "pgx" {
		t.Errorf("driver = %q, want pgx", cfg.Source.DB.Driver)
	}

	m := cfg.Migration
	checks := []struct {
		name      string
		got, want any
	}{
		{"batch_size", m.BatchSize, 10},
		{"batch_retries", m.BatchRetries, 3},
		{"batch_retry_delay", m.BatchRetryDelay, 5 * time.Second},
		{"download_workers", m.DownloadWorkers, 20},
		{"upload_workers", m.UploadWorkers, 20},
		{"create_workers", m.CreateWorkers, 15},
		{"min_success_ratio", m.MinSuccessRatio, 0.8},
		{"file_kind", m.FileKind, "image"},
		{"results_dir", m.ResultsDir, "testResults"},
		{"max_retries", cfg.Retry.MaxRetries, 3},
		{"base_delay", cfg.Retry.BaseDelay, 2 * time.Second},
		{"max_delay", cfg.Retry.MaxDelay, 30 * time.Second},
		{"item_budget", cfg.Retry.ItemBudget, 300 * time.Second},
		{"batch_budget", cfg.Retry.BatchBudget, 30 * time.Minute},
		{"checkpoint", cfg.CheckpointEnabled(), true},
		{"create_timeout", cfg.API.CreateTimeout, 60 * time.Second},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(m.FieldsToStrip) == 0 || m.FieldsToStrip[0] != "id" {
		t.Errorf("fields_to_strip default = %v", m.FieldsToStrip)
	}
	if err := cfg.ValidateCopy(); err != nil {
		t.Errorf("ValidateCopy: %v", err)
	}
}

func TestLoadBytesKeepsExplicitZero(t *testing.T) {
	data := minimalYAML + `  batch_retries: 0
  min_success_ratio: 0
retry:
  max_retries: 0
`
	cfg, err := LoadBytes([]byte(data))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Migration.BatchRetries != 0 {
		t.Errorf("batch_retries = %d, want 0", cfg.Migration.BatchRetries)
	}
	if cfg.Migration.MinSuccessRatio != 0 {
		t.Errorf("min_success_ratio = %v, want 0", cfg.Migration.MinSuccessRatio)
	}
	if cfg.Retry.MaxRetries != 0 {
		t.Errorf("max_retries = %d, want 0", cfg.Retry.MaxRetries)
	}
	if cfg.ItemPolicy().MaxRetries != 0 {
		t.Errorf("item policy retries = %d, want 0", cfg.ItemPolicy().MaxRetries)
	}
}

func TestLoadBytesOverrides(t *testing.T) {
	data := minimalYAML + `
  batch_size: 25
  batch_retry_delay: 250ms
  enable_checkpoint: false
  fields_to_strip: [id]
  captured_at: "2024-03-01T10:00:00Z"
retry:
  max_retries: 5
  base_delay: 1s
api:
  base_url: "http://localhost:8080/{instance}"
`
	cfg, err := LoadBytes([]byte(data))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Migration.BatchSize != 25 {
		t.Errorf("batch_size = %d", cfg.Migration.BatchSize)
	}
	if cfg.Migration.BatchRetryDelay != 250*time.Millisecond {
		t.Errorf("batch_retry_delay = %v", cfg.Migration.BatchRetryDelay)
	}
	if cfg.CheckpointEnabled() {
		t.Error("checkpoint should be disabled")
	}
	if !reflect.DeepEqual(cfg.Migration.FieldsToStrip, []string{"id"}) {
		t.Errorf("fields_to_strip = %v", cfg.Migration.FieldsToStrip)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := cfg.CapturedAt(time.Now()); !got.Equal(want) {
		t.Errorf("captured_at = %v, want %v", got, want)
	}
	p := cfg.ItemPolicy()
	if p.MaxRetries != 5 || p.BaseDelay != time.Second || p.MaxDelay != 30*time.Second {
		t.Errorf("unexpected item policy: %+v", p)
	}
	if cfg.API.BaseURL != "http://localhost:8080/{instance}" {
		t.Errorf("base_url = %q", cfg.API.BaseURL)
	}
}

func TestLoadBytesEnvExpansion(t *testing.T) {
	t.Setenv("SCAN_SRC_PASSWORD", "from-env")
	data := strings.Replace(minimalYAML, "password: secret\n", "password: ${SCAN_SRC_PASSWORD}\n", 1)

	cfg, err := LoadBytes([]byte(data))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Source.Password != "from-env" {
		t.Errorf("source password = %q, want from-env", cfg.Source.Password)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no source instance", "source:\n  username: u\n", "source.instance"},
		{"no username", "source:\n  instance: a\n", "source.username"},
		{"bad driver", "source:\n  instance: a\n  username: u\n  db:\n    driver: mysql\n", "driver"},
		{"bad ratio", minimalYAML + "  min_success_ratio: 1.5\n", "min_success_ratio"},
		{"negative id", strings.Replace(minimalYAML, "[101, 102, 103]", "[101, -4]", 1), "scan_ids"},
		{"bad captured_at", minimalYAML + "  captured_at: yesterday\n", "captured_at"},
		{"bad yaml", "source: [", "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCopy(t *testing.T) {
	cfg, err := LoadBytes([]byte("source:\n  instance: a\n  username: u\n"))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if err := cfg.ValidateCopy(); err == nil || !strings.Contains(err.Error(), "target.instance") {
		t.Errorf("expected target.instance error, got %v", err)
	}
}

func TestDSNEscapesCredentials(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5432, Database: "albt", User: "proxyuser", Password: "p@ss:w/rd", SSLMode: "require"}
	dsn := d.DSN()
	if !strings.HasPrefix(dsn, "postgres://proxyuser:p%40ss%3Aw%2Frd@h:5432/albt?") {
		t.Errorf("unexpected DSN %q", dsn)
	}
	if !strings.HasSuffix(dsn, "sslmode=require") {
		t.Errorf("missing sslmode in %q", dsn)
	}
}

func TestParseScanIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []int64
		wantErr bool
	}{
		{"1,2,3", []int64{1, 2, 3}, false},
		{" 4 , 5\n6\r\n", []int64{4, 5, 6}, false},
		{"", []int64{}, false},
		{"1,x", nil, true},
		{"0", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseScanIDs(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseScanIDs(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseScanIDs(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadScanIDsFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ids.txt"), []byte("7\n8\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	data := minimalYAML + "  scan_ids_file: ids.txt\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithOptions(cfgPath, LoadOptions{SuppressWarnings: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ids, err := cfg.ResolveScanIDs()
	if err != nil {
		t.Fatalf("ResolveScanIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []int64{101, 102, 103, 7, 8}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestSanitized(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML + "slack:\n  webhook_url: https://hooks.example/x\n"))
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.Sanitized()
	for _, v := range []string{s.Source.Password, s.Source.DB.Password, s.Target.Password, s.Slack.WebhookURL} {
		if v != "[REDACTED]" {
			t.Errorf("expected redacted, got %q", v)
		}
	}
	if cfg.Source.Password != "secret" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestExpandTilde(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandTilde("~/results"); got != filepath.Join(home, "results") {
		t.Errorf("expandTilde = %q", got)
	}
	if got := expandTilde("/abs"); got != "/abs" {
		t.Errorf("expandTilde = %q", got)
	}
}
