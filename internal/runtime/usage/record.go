package usage

import (
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// Status records what happened to one provider attempt.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRetried  Status = "retried"
	StatusRerouted Status = "rerouted"
	StatusAborted  Status = "aborted"
)

// Billed reports whether the attempt carries cost.
func (s Status) Billed() bool { return s == StatusSuccess }

// Record is one append-only ledger entry. Failed attempts carry zero cost.
type Record struct {
	RequestID      string            `json:"requestId"`
	ProviderID     string            `json:"providerId"`
	TaskType       pipeline.TaskType `json:"taskType"`
	TokensEstimate int               `json:"tokensEstimate"`
	CostEstimate   float64           `json:"costEstimate"`
	Status         Status            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Period bounds a summary. A zero Start or End leaves that side open.
type Period struct {
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

func (p Period) contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !t.Before(p.End) {
		return false
	}
	return true
}

// Totals aggregates records for one provider or task.
type Totals struct {
	Requests int     `json:"requests"`
	Failed   int     `json:"failed"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

func (t *Totals) add(rec Record) {
	if !rec.Status.Billed() {
		t.Failed++
		return
	}
	t.Requests++
	t.Tokens += rec.TokensEstimate
	t.Cost += rec.CostEstimate
}

type Summary struct {
	Period      Period                       `json:"period"`
	PerProvider map[string]Totals            `json:"perProvider"`
	PerTask     map[pipeline.TaskType]Totals `json:"perTask"`
	Requests    int                          `json:"requests"`
	Failed      int                          `json:"failed"`
	TotalTokens int                          `json:"totalTokens"`
	TotalCost   float64                      `json:"totalCost"`
}

// Summarize folds records falling inside period.
func Summarize(records []Record, period Period) Summary {
	s := Summary{
		Period:      period,
		PerProvider: make(map[string]Totals),
		PerTask:     make(map[pipeline.TaskType]Totals),
	}
	for _, rec := range records {
		if !period.contains(rec.Timestamp) {
			continue
		}
		provider := s.PerProvider[rec.ProviderID]
		provider.add(rec)
		s.PerProvider[rec.ProviderID] = provider

		task := s.PerTask[rec.TaskType]
		task.add(rec)
		s.PerTask[rec.TaskType] = task

		if rec.Status.Billed() {
			s.Requests++
			s.TotalTokens += rec.TokensEstimate
			s.TotalCost += rec.CostEstimate
		} else {
			s.Failed++
		}
	}
	return s
}
