package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/scan-migrate/internal/checkpoint"
	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/notify"
	"github.com/johndauphine/scan-migrate/internal/scan"
	"github.com/johndauphine/scan-migrate/internal/source"
)

func testRecord(id int64) scan.Record {
	return scan.Record{
		SourceID: id,
		RawPayload: map[string]any{
			"id":          id,
			"source_id":   id,
			"created_at":  "2024-01-01T00:00:00Z",
			"category_id": 7,
		},
		AttachedFiles: []scan.AttachedFile{
			{FileID: id * 10, Kind: "image"},
			{FileID: id*10 + 1, Kind: "image"},
		},
		SectionName: "Aisle 4",
	}
}

func idRange(from, to int64) []int64 {
	var ids []int64
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

type fakeReader struct {
	records map[int64]scan.Record
	counts  map[int64]int
	err     error
}

func newFakeReader(ids []int64) *fakeReader {
	r := &fakeReader{records: map[int64]scan.Record{}, counts: map[int64]int{}}
	for _, id := range ids {
		r.records[id] = testRecord(id)
		r.counts[id] = 2
	}
	return r
}

func (r *fakeReader) FetchScans(ctx context.Context, ids []int64) (source.FetchResult, error) {
	if r.err != nil {
		return source.FetchResult{}, r.err
	}
	res := source.FetchResult{Problems: map[int64]error{}}
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			res.Records = append(res.Records, rec)
		} else {
			res.Problems[id] = &source.ErrNotFound{ID: id}
		}
	}
	return res, nil
}

func (r *fakeReader) CountFiles(ctx context.Context, ids []int64) (map[int64]int, error) {
	out := map[int64]int{}
	for _, id := range ids {
		if n, ok := r.counts[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (r *fakeReader) Ping(ctx context.Context) error { return r.err }

func (r *fakeReader) Close() error { return nil }

// fakeRemote plays both the source and the target service. Target ids are
// deterministic so separate runs can be compared.
type fakeRemote struct {
	mu          sync.Mutex
	createCalls map[int64]int
	downloadErr func(fileID int64) error
	createErr   func(src int64, call int) error
	onCreate    func(src int64)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{createCalls: map[int64]int{}}
}

func (f *fakeRemote) DownloadFile(ctx context.Context, fileID int64) (scan.DownloadedFile, error) {
	if f.downloadErr != nil {
		if err := f.downloadErr(fileID); err != nil {
			return scan.DownloadedFile{}, err
		}
	}
	return scan.DownloadedFile{FileID: fileID, Filename: fmt.Sprintf("img_%d.png", fileID), Content: []byte("data")}, nil
}

func (f *fakeRemote) UploadFile(ctx context.Context, file scan.DownloadedFile, inputType string) (scan.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return scan.ObjectID(strconv.FormatInt(file.FileID+100000, 10)), nil
}

func (f *fakeRemote) CreateScan(ctx context.Context, payload map[string]any) (scan.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src := payload["source_id"].(int64)

	f.mu.Lock()
	f.createCalls[src]++
	call := f.createCalls[src]
	f.mu.Unlock()

	if f.onCreate != nil {
		f.onCreate(src)
	}
	if f.createErr != nil {
		if err := f.createErr(src, call); err != nil {
			return "", err
		}
	}
	return scan.ObjectID(strconv.FormatInt(src+900000, 10)), nil
}

func (f *fakeRemote) calls(src int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls[src]
}

type fakeConnector struct {
	remote    *fakeRemote
	sourceErr error
	targetErr error
}

func (c *fakeConnector) Source(ctx context.Context) (Downloader, error) {
	if c.sourceErr != nil {
		return nil, c.sourceErr
	}
	return c.remote, nil
}

func (c *fakeConnector) Target(ctx context.Context) (Uploader, error) {
	if c.targetErr != nil {
		return nil, c.targetErr
	}
	return c.remote, nil
}

func testConfig(t *testing.T, dir string, ids []int64) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
source:
  instance: src
  username: reader
  password: secret
target:
  instance: dst
  username: writer
  password: secret
  store_id: 42
migration:
  batch_size: 10
  results_dir: %s
  data_dir: %s
retry:
  base_delay: 1ms
  max_delay: 2ms
`, filepath.Join(dir, "results"), filepath.Join(dir, "data"))
	cfg, err := config.LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	cfg.Migration.ScanIDs = ids
	return cfg
}

// newTestOrchestrator wires fakes around a real SQLite history in dir.
func newTestOrchestrator(t *testing.T, dir string, ids []int64, reader *fakeReader, conn Connector) *Orchestrator {
	t.Helper()
	cfg := testConfig(t, dir, ids)
	state, err := checkpoint.New(cfg.Migration.DataDir)
	if err != nil {
		t.Fatalf("checkpoint.New() error: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	return &Orchestrator{
		config:    cfg,
		reader:    reader,
		connector: conn,
		state:     state,
		history:   state,
		notifier:  notify.Nop{},
		openDB: func(ctx context.Context, _ config.DatabaseConfig) (source.Reader, error) {
			return reader, nil
		},
		out:   io.Discard,
		now:   time.Now,
		sleep: func(context.Context, time.Duration) error { return nil },
	}
}
