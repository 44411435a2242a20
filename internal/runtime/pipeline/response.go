package pipeline

// Outcome is the terminal state every admitted request settles in.
type Outcome string

const (
	OutcomeCacheHit        Outcome = "cache_hit"
	OutcomeProviderSuccess Outcome = "provider_success"
	OutcomeFallbackSuccess Outcome = "fallback_success"
	OutcomeHardFailure     Outcome = "hard_failure"
)

// Response is what callers receive once a request resolves.
type Response struct {
	RequestID   string      `json:"requestId"`
	Content     string      `json:"content"`
	ProviderID  string      `json:"providerId"`
	TokensUsed  int         `json:"tokensUsed"`
	Confidence  float64     `json:"confidence"`
	Outcome     Outcome     `json:"outcome"`
	FromCache   bool        `json:"fromCache"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Attempts    int         `json:"attempts,omitempty"`
}

// Degraded reports whether the answer came from the offline fallback.
func (r Response) Degraded() bool {
	return r.Outcome == OutcomeFallbackSuccess
}
