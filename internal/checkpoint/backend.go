package checkpoint

// History records runs and batch outcomes. *State is the SQLite
// implementation.
type History interface {
	CreateRun(r Run) error
	RecordBatch(b BatchRecord) error
	CompleteRun(id, status string, created, failed int, reportPath, errMsg string) error
}

var _ History = (*State)(nil)
