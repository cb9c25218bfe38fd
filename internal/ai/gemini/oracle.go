package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/ai"
	"github.com/ruralhub/rural-match/internal/logger"
	"github.com/ruralhub/rural-match/internal/utils"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
	Model() string
}

//go:embed prompt.md
var promptTemplate string

const (
	defaultMaxBatch     = 20
	defaultBatchTimeout = 5 * time.Second
	defaultRetryBackoff = 500 * time.Millisecond
	defaultMaxLogLength = 200

	// One retry after the first failure, never more.
	maxAttempts = 2
)

// Oracle scores relevance for bounded candidate batches with a single Gemini
// call per batch. It owns the per-batch timeout and retry policy.
type Oracle struct {
	generator    contentGenerator
	maxBatch     int
	batchTimeout time.Duration
	retryBackoff time.Duration
	maxLogLen    int
	logger       *zap.Logger
}

// OracleOption tweaks the oracle's policy knobs.
type OracleOption func(*Oracle)

// WithBatchTimeout overrides the per-attempt budget (default 5s).
func WithBatchTimeout(d time.Duration) OracleOption {
	return func(o *Oracle) {
		if d > 0 {
			o.batchTimeout = d
		}
	}
}

// WithMaxBatch overrides the largest batch the oracle accepts (default 20).
func WithMaxBatch(n int) OracleOption {
	return func(o *Oracle) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithRetryBackoff overrides the base backoff before the retry attempt.
// Tests use this to avoid real sleeps.
func WithRetryBackoff(d time.Duration) OracleOption {
	return func(o *Oracle) {
		if d > 0 {
			o.retryBackoff = d
		}
	}
}

// WithMaxLogLength bounds prompt/response previews in debug logs.
func WithMaxLogLength(n int) OracleOption {
	return func(o *Oracle) {
		if n > 0 {
			o.maxLogLen = n
		}
	}
}

// NewOracle builds a relevance oracle on top of a content generator.
func NewOracle(generator contentGenerator, log *zap.Logger, opts ...OracleOption) *Oracle {
	model := ""
	if generator != nil {
		model = generator.Model()
	}

	o := &Oracle{
		generator:    generator,
		maxBatch:     defaultMaxBatch,
		batchTimeout: defaultBatchTimeout,
		retryBackoff: defaultRetryBackoff,
		maxLogLen:    defaultMaxLogLength,
		logger:       logger.WithCommonFields(log, "gemini", model),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxBatch reports the largest batch this oracle accepts per call.
func (o *Oracle) MaxBatch() int { return o.maxBatch }

// ScoreRelevance issues exactly one Gemini call for the batch, retrying once
// on timeout or transport failure. An empty intent skips the call entirely.
func (o *Oracle) ScoreRelevance(ctx context.Context, intent string, batch []ai.Candidate) (map[string]float64, error) {
	intent = strings.TrimSpace(intent)
	if intent == "" || len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > o.maxBatch {
		return nil, fmt.Errorf("%w: %d candidates, limit is %d", ai.ErrBatchTooLarge, len(batch), o.maxBatch)
	}

	prompt, err := buildPrompt(intent, batch)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("gemini relevance request",
		zap.Int("batch_size", len(batch)),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", logger.TruncateForLog(prompt, o.maxLogLen)),
	)

	raw, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("gemini relevance response",
		zap.Int("batch_size", len(batch)),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", logger.TruncateForLog(raw, o.maxLogLen)),
	)

	return parseScores(raw, batch)
}

// generate runs the budgeted attempt loop: at most maxAttempts calls with
// exponential backoff in between, only timeout and transport failures are
// retried.
func (o *Oracle) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := o.retryBackoff << (attempt - 1)
			o.logger.Debug("retrying gemini call", zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff))
			if err := utils.WaitFor(ctx, backoff); err != nil {
				return "", fmt.Errorf("%w: %v", ai.ErrTimeout, err)
			}
		}

		cctx, cancel := context.WithTimeout(ctx, o.batchTimeout)
		raw, err := o.generator.GenerateContent(cctx, prompt)
		cancel()
		if err == nil {
			return raw, nil
		}

		kind := ai.ErrTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ai.ErrTimeout
		}
		lastErr = fmt.Errorf("%w: attempt %d: %v", kind, attempt+1, err)

		// The caller abandoned the request; retrying would waste cost.
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ai.ErrTimeout, ctx.Err())
		}
	}
	return "", lastErr
}

func buildPrompt(intent string, batch []ai.Candidate) (string, error) {
	candidatesJSON, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal candidates: %w", err)
	}

	prompt := strings.ReplaceAll(promptTemplate, "{{INTENT}}", intent)
	prompt = strings.ReplaceAll(prompt, "{{CANDIDATES_JSON}}", string(candidatesJSON))
	return prompt, nil
}

type scoreEntry struct {
	ID    any `json:"id"`
	Score any `json:"score"`
}

// parseScores extracts a 0-1 score per candidate identifier from the raw
// model output. It tolerates code fences, string-encoded numbers and a
// map-shaped response, and clamps scores into [0,1]. A response matching
// none of the batch identifiers is a parse failure; individual missing
// candidates are not.
func parseScores(raw string, batch []ai.Candidate) (map[string]float64, error) {
	cleaned := extractJSON(raw)

	known := make(map[string]struct{}, len(batch))
	for _, c := range batch {
		known[c.ID] = struct{}{}
	}

	scores := make(map[string]float64)

	var entries []scoreEntry
	if err := json.Unmarshal([]byte(cleaned), &entries); err == nil {
		for _, e := range entries {
			id := coerceString(e.ID)
			if _, ok := known[id]; !ok {
				continue
			}
			if score, ok := coerceScore(e.Score); ok {
				scores[id] = score
			}
		}
	} else {
		var byID map[string]any
		if err := json.Unmarshal([]byte(cleaned), &byID); err != nil {
			return nil, fmt.Errorf("%w: %v", ai.ErrParse, err)
		}
		for id, v := range byID {
			if _, ok := known[id]; !ok {
				continue
			}
			if score, ok := coerceScore(v); ok {
				scores[id] = score
			}
		}
	}

	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: no candidate scores found in response", ai.ErrParse)
	}
	return scores, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func coerceScore(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case int:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return math.Min(1, math.Max(0, f)), true
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
