// Package aiverify implements the optional AI corroboration pass behind the
// schemas.Verifier capability interface. The verifier only ever raises
// confidence on an existing finding; the rule engine remains the sole source
// of findings.
package aiverify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/halcyonsec/shadowmap/api/schemas"
	"github.com/halcyonsec/shadowmap/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const systemPrompt = `You are a security triage assistant. You receive one API security finding produced by a deterministic rule engine. Judge, from the evidence alone, whether the finding is plausibly a true positive. Respond with a single JSON object: {"corroborated": true} or {"corroborated": false}. No prose.`

// GeminiVerifier corroborates findings against the Gemini generateContent API.
type GeminiVerifier struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ schemas.Verifier = (*GeminiVerifier)(nil)

// -- Gemini API payload shapes (internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

type verdict struct {
	Corroborated bool `json:"corroborated"`
}

// NewGeminiVerifier initializes the verifier from the AI config section.
func NewGeminiVerifier(cfg config.AIConfig, logger *zap.Logger) (*GeminiVerifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &GeminiVerifier{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("aiverify.gemini"),
	}, nil
}

// Corroborate sends the finding to the model and parses its verdict. A
// response the model answers but that cannot be parsed counts as not
// corroborated rather than an error, so one confused reply never stalls the
// verification pass.
func (v *GeminiVerifier) Corroborate(ctx context.Context, issue schemas.APISecurityIssue) (bool, error) {
	body, err := json.Marshal(v.buildRequestPayload(issue))
	if err != nil {
		return false, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var text string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", v.apiKey)

		resp, err := v.httpClient.Do(httpReq)
		if err != nil {
			v.logger.Warn("Network error during verification request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return v.handleAPIError(resp.StatusCode, respBody)
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Candidates) == 0 || len(payload.Candidates[0].Content.Parts) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no content"))
		}

		text = payload.Candidates[0].Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return false, err
	}

	var out verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		v.logger.Warn("Unparseable verdict from model, treating as not corroborated",
			zap.String("issue_id", issue.ID))
		return false, nil
	}
	return out.Corroborated, nil
}

// Close releases client resources.
func (v *GeminiVerifier) Close() error {
	v.httpClient.CloseIdleConnections()
	return nil
}

func (v *GeminiVerifier) buildRequestPayload(issue schemas.APISecurityIssue) geminiRequestPayload {
	finding, _ := json.MarshalToString(map[string]any{
		"title":       issue.Title,
		"description": issue.Description,
		"issue_type":  issue.IssueType,
		"severity":    issue.Severity,
		"target_url":  issue.TargetURL,
		"api_path":    issue.APIPath,
		"evidence":    issue.Evidence,
	})

	return geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: finding}},
			},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{{Text: systemPrompt}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      0,
			ResponseMimeType: "application/json",
		},
	}
}

func (v *GeminiVerifier) handleAPIError(statusCode int, body []byte) error {
	v.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}
