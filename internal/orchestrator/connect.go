package orchestrator

import (
	"context"

	"github.com/johndauphine/scan-migrate/internal/api"
	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/retry"
	"github.com/johndauphine/scan-migrate/internal/scan"
)

// Downloader fetches source files.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID int64) (scan.DownloadedFile, error)
}

// Uploader recreates files and scans on the target.
type Uploader interface {
	UploadFile(ctx context.Context, f scan.DownloadedFile, inputType string) (scan.ObjectID, error)
	CreateScan(ctx context.Context, payload map[string]any) (scan.ObjectID, error)
}

// Connector authenticates against the two instances of a run.
type Connector interface {
	Source(ctx context.Context) (Downloader, error)
	Target(ctx context.Context) (Uploader, error)
}

// apiConnector hands out sessions from one token cache, so each
// instance is authenticated once per run.
type apiConnector struct {
	cfg    *config.Config
	cache  *api.TokenCache
	policy retry.Policy
}

func newAPIConnector(cfg *config.Config) *apiConnector {
	client := api.NewClient(cfg.API.BaseURL, api.WithTimeouts(cfg.APITimeouts()))
	return &apiConnector{
		cfg:    cfg,
		cache:  api.NewTokenCache(client),
		policy: cfg.ItemPolicy().WithName("authenticate"),
	}
}

func (c *apiConnector) Source(ctx context.Context) (Downloader, error) {
	return c.session(ctx, c.cfg.Source)
}

func (c *apiConnector) Target(ctx context.Context) (Uploader, error) {
	return c.session(ctx, c.cfg.Target)
}

func (c *apiConnector) session(ctx context.Context, inst config.InstanceConfig) (*api.Session, error) {
	return retry.Do(ctx, c.policy, func(ctx context.Context) (*api.Session, error) {
		return c.cache.Session(ctx, inst.Instance, inst.Username, inst.Password)
	})
}
