package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/powercast/powercast/internal/config"
	"github.com/powercast/powercast/internal/models"
)

// Provider produces one analysis attempt. The gateway owns retries and
// fallback; providers just answer or fail.
type Provider interface {
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
}

// OpenAIProvider generates analyses via the OpenAI chat completions API in
// JSON mode.
type OpenAIProvider struct {
	client *openai.Client
	cfg    config.OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider from configuration. Returns an error
// when no API key is configured.
func NewOpenAIProvider(cfg config.OpenAIConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	return &OpenAIProvider{
		client: openai.NewClient(cfg.APIKey),
		cfg:    cfg,
		logger: logger,
	}, nil
}

const systemPrompt = "You are an expert power grid forecast analyst. " +
	"You analyze forecast errors and produce corrective rules as structured JSON. " +
	"You never generate numerical forecast values."

// Analyze sends one analysis request to the model and parses the response.
func (p *OpenAIProvider) Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	apiCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(apiCtx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return AnalysisResult{}, fmt.Errorf("chat completion returned no choices")
	}

	p.logger.Debug("analysis response received",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return ParseResult(resp.Choices[0].Message.Content)
}

// ParseResult extracts an AnalysisResult from a model response, tolerating
// markdown code fences around the JSON object.
func ParseResult(text string) (AnalysisResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var result AnalysisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return AnalysisResult{}, fmt.Errorf("response is not valid JSON: %w", err)
	}
	return result, nil
}

func buildPrompt(req AnalysisRequest) string {
	var b strings.Builder

	b.WriteString("Analyze this forecast error and context to identify the root cause and suggest a corrective rule.\n\n")
	b.WriteString("## FORECAST ERROR\n")
	fmt.Fprintf(&b, "- Error Type: %s\n", req.ErrorType)
	fmt.Fprintf(&b, "- Severity: %s\n", req.Severity)
	fmt.Fprintf(&b, "- MAPE: %s\n", formatMetric(req.MAPE, "%.2f%%"))
	fmt.Fprintf(&b, "- Peak Error: %s\n", formatMetric(req.PeakErrorMW, "%.0f MW"))
	fmt.Fprintf(&b, "- Ramp Error: %s\n", formatMetric(req.RampErrorMWH, "%.0f MW/hour"))
	fmt.Fprintf(&b, "- Region: %s\n", req.RegionCode)
	fmt.Fprintf(&b, "- Error Time: %s\n\n", req.ErrorTime.Format("2006-01-02T15:04:05Z07:00"))

	b.WriteString("## CONTEXT AT TIME OF ERROR\n")
	if req.ContextSummary != "" {
		b.WriteString(req.ContextSummary + "\n")
	} else {
		b.WriteString("No context available\n")
	}

	b.WriteString("\n### Weather Context:\n")
	writeJSON(&b, req.WeatherContext)
	b.WriteString("\n### Grid Notices:\n")
	writeJSON(&b, req.GridNotices)
	b.WriteString("\n### Event Context:\n")
	writeJSON(&b, req.EventContext)

	b.WriteString("\n## SIMILAR HISTORICAL ERRORS (for reference)\n")
	b.WriteString(formatSimilarErrors(req.SimilarErrors))

	b.WriteString(`
## YOUR TASK
Analyze why this forecast failed and create a generalized rule that can prevent similar failures in the future.

CRITICAL CONSTRAINTS:
1. Do NOT suggest numerical forecast values
2. Adjustment magnitude must be between 0-15%
3. Be specific about the context conditions that trigger this rule
4. The rule must be actionable for an automated system

## REQUIRED OUTPUT FORMAT (JSON ONLY)
Respond with ONLY valid JSON in this exact format:
{
    "failure_cause": "Clear explanation of what caused the forecast error",
    "context_signature": ["tag1", "tag2", "tag3"],
    "generalized_rule": "When [conditions], adjust [what] by [how much] because [why]",
    "adjustment_params": {
        "adjustment_type": "ramp|peak|bias|variance|scale",
        "direction": "up|down",
        "magnitude_pct": 5
    },
    "confidence": 0.75
}

Context signature tags must be from: heatwave, cold_snap, weekday, weekend, morning, afternoon, evening, night, holiday, solar_dip, solar_peak, wind_high, wind_low, overcast, clear_sky, maintenance, grid_stress
`)

	return b.String()
}

func formatMetric(v *float64, format string) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf(format, *v)
}

func formatSimilarErrors(similar []models.SimilarContext) string {
	if len(similar) == 0 {
		return "No similar historical errors found.\n"
	}

	var b strings.Builder
	for i, s := range similar {
		if i == 3 {
			break
		}
		cause := s.FailureCause
		if cause == "" {
			cause = "Unknown cause"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, cause)
		if s.GeneralizedRule != "" {
			fmt.Fprintf(&b, "   Rule: %s\n", s.GeneralizedRule)
		}
	}
	return b.String()
}

func writeJSON(b *strings.Builder, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		b.WriteString("{}\n")
		return
	}
	b.Write(data)
	b.WriteString("\n")
}
