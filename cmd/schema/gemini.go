package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Static errors for the remote oracle adapter
var (
	ErrOracleUnavailable = errors.New("all oracle models failed or are unavailable")
	ErrEmptyOracleReply  = errors.New("oracle returned an empty reply")
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	oracleTimeout        = 60 * time.Second
)

// defaultGeminiModels is the fallback chain tried in order.
var defaultGeminiModels = []string{"gemini-2.5-flash"}

// GeminiOracle asks a Generative Language model to map raw headers onto
// canonical ones. The reply is treated as untrusted; the resolver
// revalidates every name before use.
type GeminiOracle struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
	logger  *slog.Logger
}

// NewGeminiOracle creates a remote oracle adapter. baseURL is overridable
// for tests; pass "" for the public endpoint.
func NewGeminiOracle(apiKey, baseURL string, logger *slog.Logger) *GeminiOracle {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiOracle{
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  defaultGeminiModels,
		client:  &http.Client{Timeout: oracleTimeout},
		logger:  logger,
	}
}

// generateContent request/response shapes, reduced to the fields we use.
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiOracle) SuggestMapping(ctx context.Context, rawHeaders, targetHeaders []string) (Result, error) {
	prompt, err := buildMappingPrompt(rawHeaders, targetHeaders)
	if err != nil {
		return Result{}, err
	}

	for _, model := range g.models {
		result, err := g.generate(ctx, model, prompt)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{}, err
			}
			g.logger.Warn(fmt.Sprintf("Oracle model %s failed: %v; trying next", model, err))
			continue
		}
		return result, nil
	}

	return Result{}, ErrOracleUnavailable
}

func (g *GeminiOracle) generate(ctx context.Context, model, prompt string) (Result, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode oracle request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read oracle reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("oracle returned HTTP %d for model %s", resp.StatusCode, model)
	}

	var reply geminiResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{}, fmt.Errorf("failed to decode oracle reply: %w", err)
	}
	if len(reply.Candidates) == 0 || len(reply.Candidates[0].Content.Parts) == 0 {
		return Result{}, ErrEmptyOracleReply
	}

	return parseOracleJSON(reply.Candidates[0].Content.Parts[0].Text)
}

// parseOracleJSON strips markdown code fences the model tends to wrap its
// answer in, then decodes the structured result.
func parseOracleJSON(text string) (Result, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result Result
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return Result{}, fmt.Errorf("oracle reply is not valid JSON: %w", err)
	}
	if result.Status == "" {
		result.Status = StatusAbort
	}
	return result, nil
}

func buildMappingPrompt(rawHeaders, targetHeaders []string) (string, error) {
	expected, err := json.Marshal(targetHeaders)
	if err != nil {
		return "", fmt.Errorf("failed to encode target headers: %w", err)
	}
	incoming, err := json.Marshal(rawHeaders)
	if err != nil {
		return "", fmt.Errorf("failed to encode raw headers: %w", err)
	}

	return fmt.Sprintf(`I am a data engineering pipeline.

My Expected Columns: %s
Incoming CSV Columns: %s

Task:
1. Compare the Incoming columns to the Expected columns.
2. If they match exactly, status is "MATCH".
3. If they are different (typos, reordering, case sensitivity), provide a mapping dictionary where key=IncomingName and value=ExpectedName. Status is "RENAME".
4. If only some Expected columns can be mapped, status is "PARTIAL" with the mapping you found.
5. If the file is totally wrong/unknown, status is "ABORT".

Return ONLY valid JSON in this format:
{
    "status": "MATCH" | "RENAME" | "PARTIAL" | "ABORT",
    "mapping": { "old_col_name": "new_col_name" },
    "reason": "Brief explanation"
}`, expected, incoming), nil
}
