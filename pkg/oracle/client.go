// Package oracle provides the LLM judgement calls the memory system
// delegates: importance scoring, period digests and relevance ranking.
// Every call site has a deterministic fallback, so the oracle is wrapped
// in a circuit breaker and allowed to fail.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/memory"
)

const defaultHTTPTimeout = 120 * time.Second

// Completer is a minimal single-turn completion backend.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// HTTPCompleter talks to any chat-completions compatible API, OpenRouter
// by default.
type HTTPCompleter struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewHTTPCompleter(apiBase, apiKey, model string) (*HTTPCompleter, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("oracle API base not configured")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("oracle API key not configured")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("oracle model not configured")
	}
	return &HTTPCompleter{
		apiBase:    apiBase,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

func (c *HTTPCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	requestBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal oracle request: %w", err)
	}

	endpoint := c.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("oracle request: %w", memory.ErrOracleTimeout)
		}
		return "", fmt.Errorf("send oracle request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read oracle response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("oracle API request failed: status=%d body=%s", resp.StatusCode, truncate(string(body), 200))
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("parse oracle response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("oracle response has no choices: %w", memory.ErrOracleMalformed)
	}
	return apiResponse.Choices[0].Message.Content, nil
}

// Oracle implements the scoring, digest and ranking interfaces on top of
// a completion backend, behind a circuit breaker. When the breaker is
// open the callers fall straight through to their rule-based paths
// instead of queueing on a dead provider.
type Oracle struct {
	completer Completer
	breaker   *gobreaker.CircuitBreaker
}

func New(completer Completer) *Oracle {
	return &Oracle{
		completer: completer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "memory-oracle",
			MaxRequests: 2,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (o *Oracle) complete(ctx context.Context, system, prompt string) (string, error) {
	result, err := o.breaker.Execute(func() (interface{}, error) {
		return o.completer.Complete(ctx, system, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("oracle unavailable: %w", memory.ErrOracleTimeout)
		}
		return "", err
	}
	return result.(string), nil
}

// Score asks the model for a component importance score and validates
// every component against its bound.
func (o *Oracle) Score(ctx context.Context, req memory.ScoreRequest) (memory.ImportanceScore, error) {
	raw, err := o.complete(ctx, scoreSystemPrompt, scorePrompt(req))
	if err != nil {
		return memory.ImportanceScore{}, err
	}
	var score memory.ImportanceScore
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &score); err != nil {
		return memory.ImportanceScore{}, fmt.Errorf("score response %q: %w", truncate(raw, 120), memory.ErrOracleMalformed)
	}
	if !score.InBounds() {
		return memory.ImportanceScore{}, fmt.Errorf("score components out of range: %w", memory.ErrOracleMalformed)
	}
	return score, nil
}

// Digest asks the model to condense a batch of buckets into prose plus
// structured themes, decisions and recurring topics.
func (o *Oracle) Digest(ctx context.Context, req memory.DigestRequest) (memory.Digest, error) {
	raw, err := o.complete(ctx, digestSystemPrompt, digestPrompt(req))
	if err != nil {
		return memory.Digest{}, err
	}
	var digest memory.Digest
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &digest); err != nil {
		return memory.Digest{}, fmt.Errorf("digest response %q: %w", truncate(raw, 120), memory.ErrOracleMalformed)
	}
	if strings.TrimSpace(digest.Text) == "" {
		return memory.Digest{}, fmt.Errorf("digest response has no text: %w", memory.ErrOracleMalformed)
	}
	return digest, nil
}

// Rank asks the model which candidate buckets matter for a query and
// returns their IDs, most relevant first. Unknown IDs in the response
// are discarded.
func (o *Oracle) Rank(ctx context.Context, req memory.RankRequest) ([]string, error) {
	raw, err := o.complete(ctx, rankSystemPrompt, rankPrompt(req))
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &ids); err != nil {
		return nil, fmt.Errorf("rank response %q: %w", truncate(raw, 120), memory.ErrOracleMalformed)
	}

	known := map[string]bool{}
	for _, c := range req.Candidates {
		known[c.BucketID] = true
	}
	out := ids[:0]
	for _, id := range ids {
		if known[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// stripJSONFences unwraps the ```json fences models love to add even
// when told not to.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
