package report

import "fmt"

// Summary is the end-of-run tally.
type Summary struct {
	Attempted int `json:"attempted"`
	Created   int `json:"created"`
	Failed    int `json:"failed"`
}

// SuccessRate is Created/Attempted as a percentage.
func (s Summary) SuccessRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Created) * 100 / float64(s.Attempted)
}

// Lines renders the summary printed at the end of a run.
func (s Summary) Lines() []string {
	return []string{
		fmt.Sprintf("Created %d/%d scans", s.Created, s.Attempted),
		fmt.Sprintf("Success rate: %.1f%%", s.SuccessRate()),
		fmt.Sprintf("Failed scans: %d", s.Failed),
	}
}
