// Package api talks to the scan service's REST endpoints. It classifies
// failures but never retries; callers layer retry.Policy on top.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/scan"
)

// DefaultBaseURL is expanded per instance.
const DefaultBaseURL = "https://{instance}.rebotics.net"

const (
	authPath     = "/api/v4/token-auth/"
	fileMetaPath = "/api/v1/master-data/file-upload/%d/"
	uploadPath   = "/api/v4/processing/upload/"
	createPath   = "/api/v4/processing/actions/"

	maxErrorBody = 64 << 10
)

// Timeouts bound each kind of call. The service has been seen to hang.
type Timeouts struct {
	Auth     time.Duration
	Metadata time.Duration
	Download time.Duration
	Upload   time.Duration
	Create   time.Duration
}

// DefaultTimeouts returns the per-call limits used in production.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Auth:     30 * time.Second,
		Metadata: 60 * time.Second,
		Download: 120 * time.Second,
		Upload:   120 * time.Second,
		Create:   60 * time.Second,
	}
}

// Credentials are returned by token-auth.
type Credentials struct {
	AccountID scan.ObjectID
	Token     string
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeouts   Timeouts
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts overrides the per-call limits. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		if t.Auth > 0 {
			c.timeouts.Auth = t.Auth
		}
		if t.Metadata > 0 {
			c.timeouts.Metadata = t.Metadata
		}
		if t.Download > 0 {
			c.timeouts.Download = t.Download
		}
		if t.Upload > 0 {
			c.timeouts.Upload = t.Upload
		}
		if t.Create > 0 {
			c.timeouts.Create = t.Create
		}
	}
}

// NewClient creates a client. baseURL may contain "{instance}"; empty means DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeouts:   DefaultTimeouts(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) endpoint(instance, p string) string {
	return strings.ReplaceAll(c.baseURL, "{instance}", instance) + p
}

// Authenticate exchanges a username and password for a token.
func (c *Client) Authenticate(ctx context.Context, instance, username, password string) (Credentials, error) {
	u := c.endpoint(instance, authPath)
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})

	var out struct {
		ID    scan.ObjectID `json:"id"`
		Token *string       `json:"token"`
	}
	err := c.doJSON(ctx, c.timeouts.Auth, "token-auth", http.MethodPost, u, "", "application/json", bytes.NewReader(body), &out)
	if err == nil {
		switch {
		case out.ID.IsZero():
			err = &MalformedResponseError{Op: "token-auth", URL: u, Missing: "id"}
		case out.Token == nil || *out.Token == "":
			err = &MalformedResponseError{Op: "token-auth", URL: u, Missing: "token"}
		}
	}
	if err != nil {
		return Credentials{}, &AuthError{Instance: instance, Username: username, Err: err}
	}
	return Credentials{AccountID: out.ID, Token: *out.Token}, nil
}

// DownloadFile resolves a file id to its storage URL and fetches the bytes.
func (c *Client) DownloadFile(ctx context.Context, instance, token string, fileID int64) (scan.DownloadedFile, error) {
	metaURL := c.endpoint(instance, fmt.Sprintf(fileMetaPath, fileID))

	var meta struct {
		File             *string `json:"file"`
		OriginalFilename *string `json:"original_filename"`
	}
	if err := c.doJSON(ctx, c.timeouts.Metadata, "file-metadata", http.MethodGet, metaURL, token, "", nil, &meta); err != nil {
		return scan.DownloadedFile{}, err
	}
	if meta.File == nil || *meta.File == "" {
		return scan.DownloadedFile{}, &MalformedResponseError{Op: "file-metadata", URL: metaURL, Missing: "file"}
	}
	if meta.OriginalFilename == nil {
		return scan.DownloadedFile{}, &MalformedResponseError{Op: "file-metadata", URL: metaURL, Missing: "original_filename"}
	}

	fileURL, err := resolveURL(metaURL, *meta.File)
	if err != nil {
		return scan.DownloadedFile{}, &MalformedResponseError{Op: "file-metadata", URL: metaURL, Missing: "file", Body: *meta.File}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Download)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return scan.DownloadedFile{}, fmt.Errorf("file-download: %w", err)
	}
	// Storage URLs are pre-signed; the service token is not sent to them.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scan.DownloadedFile{}, fmt.Errorf("file-download %d: %w", fileID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus("file-download", fileURL, resp); err != nil {
		return scan.DownloadedFile{}, err
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return scan.DownloadedFile{}, fmt.Errorf("file-download %d: reading body: %w", fileID, err)
	}

	name := *meta.OriginalFilename
	if name == "" {
		name = path.Base(strings.SplitN(*meta.File, "?", 2)[0])
	}
	return scan.DownloadedFile{FileID: fileID, Filename: name, Content: content}, nil
}

// UploadFile posts a file to the processing upload endpoint and returns its new id.
func (c *Client) UploadFile(ctx context.Context, instance, token string, f scan.DownloadedFile, inputType string) (scan.ObjectID, error) {
	u := c.endpoint(instance, uploadPath)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", f.Filename)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if _, err := part.Write(f.Content); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := mw.WriteField("input_type", inputType); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	var out struct {
		ID scan.ObjectID `json:"id"`
	}
	if err := c.doJSON(ctx, c.timeouts.Upload, "upload", http.MethodPost, u, token, mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	if out.ID.IsZero() {
		return "", &MalformedResponseError{Op: "upload", URL: u, Missing: "id"}
	}
	return out.ID, nil
}

// CreateScan submits a shaped payload. On 400 the response body is logged
// verbatim together with the payload.
func (c *Client) CreateScan(ctx context.Context, instance, token string, payload map[string]any) (scan.ObjectID, error) {
	u := c.endpoint(instance, createPath)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("create-scan: encoding payload: %w", err)
	}
	logging.Debug("create-scan: store=%v files=%v captured_at=%v", payload["store"], payload["files"], payload["captured_at"])

	var out struct {
		ID scan.ObjectID `json:"id"`
	}
	err = c.doJSON(ctx, c.timeouts.Create, "create-scan", http.MethodPost, u, token, "application/json", bytes.NewReader(body), &out)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Rejected() {
			logging.ErrorFields(logging.Fields{
				"status":   re.StatusCode,
				"response": re.Body,
				"payload":  string(body),
			}, "create-scan rejected by %s", instance)
		}
		return "", err
	}
	if out.ID.IsZero() {
		return "", &MalformedResponseError{Op: "create-scan", URL: u, Missing: "id"}
	}
	return out.ID, nil
}

func (c *Client) doJSON(ctx context.Context, timeout time.Duration, op, method, u, token, contentType string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, u, resp); err != nil {
		return err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading body: %w", op, err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &MalformedResponseError{Op: op, URL: u, Body: string(raw)}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return &MalformedResponseError{Op: op, URL: u, Body: truncate(string(raw))}
	}
	return nil
}

func checkStatus(op, u string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RemoteError{Op: op, URL: u, StatusCode: resp.StatusCode, Body: string(b)}
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func truncate(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(" + strconv.Itoa(len(s)-limit) + " more bytes)"
}
