package usage

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

const (
	TokenizerHeuristic = "heuristic"
	TokenizerTiktoken  = "tiktoken"

	tiktokenEncoding = "cl100k_base"
	charsPerToken    = 4
)

// TokenCounter estimates how many tokens text occupies.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter assumes roughly four characters per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

type tiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns the counter named by kind. When the tiktoken encoding
// cannot be loaded the heuristic counter is returned together with the error so
// callers can log the downgrade.
func NewTokenCounter(kind string) (TokenCounter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TokenizerHeuristic:
		return HeuristicCounter{}, nil
	case TokenizerTiktoken:
		enc, err := tiktoken.GetEncoding(tiktokenEncoding)
		if err != nil {
			return HeuristicCounter{}, fmt.Errorf("usage: load %s encoding: %w", tiktokenEncoding, err)
		}
		return &tiktokenCounter{enc: enc}, nil
	default:
		return HeuristicCounter{}, fmt.Errorf("usage: unknown tokenizer %q", kind)
	}
}

// Estimator prices a request before dispatch.
type Estimator struct {
	Counter              TokenCounter
	ExpectedOutputTokens int
}

// Tokens estimates prompt plus context tokens plus the expected answer length.
func (e Estimator) Tokens(req pipeline.Request) int {
	counter := e.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}
	total := counter.Count(req.Prompt())
	for _, tag := range req.Tags() {
		total += counter.Count(string(tag.Key)) + counter.Count(tag.Value)
	}
	if e.ExpectedOutputTokens > 0 {
		total += e.ExpectedOutputTokens
	}
	return total
}

// Estimate returns the token estimate and its price at pricePerKToken dollars.
func (e Estimator) Estimate(req pipeline.Request, pricePerKToken float64) (int, float64) {
	tokens := e.Tokens(req)
	return tokens, Cost(tokens, pricePerKToken)
}

// Cost prices tokens at pricePerKToken dollars per thousand.
func Cost(tokens int, pricePerKToken float64) float64 {
	if tokens <= 0 || pricePerKToken <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * pricePerKToken
}

func toNano(dollars float64) int64 {
	return int64(math.Round(dollars * 1e9))
}

func fromNano(nano int64) float64 {
	return float64(nano) / 1e9
}
