// Package aiprobe answers one question for the coordinator: is the AI
// analysis backend able to take work right now. Two implementations
// exist, an HTTP probe against a local sidecar's health endpoint and a
// Gemini-backed probe that performs a cheap token count. Probe errors
// are reported as unhealthy, never propagated; an unreachable probe
// must degrade scheduling, not crash it.
package aiprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// Health is a probe verdict.
type Health struct {
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Probe checks whether the AI backend is healthy.
type Probe interface {
	Check(ctx context.Context) Health
}

// HTTPProbe checks a local AI sidecar's health endpoint.
type HTTPProbe struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPProbe creates a probe against the given health URL.
func NewHTTPProbe(url string, timeout time.Duration, log *slog.Logger) *HTTPProbe {
	return &HTTPProbe{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  log.With("component", "ai_probe", "probe", "http"),
	}
}

// Check implements Probe. Any non-2xx status or transport error is
// unhealthy.
func (p *HTTPProbe) Check(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Health{Details: fmt.Sprintf("failed to build health request: %v", err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("AI health probe failed", "error", err)
		return Health{Details: fmt.Sprintf("health request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Health{Details: fmt.Sprintf("health endpoint returned %d", resp.StatusCode)}
	}
	return Health{OK: true}
}

// GenAIProbe checks Gemini availability with a minimal CountTokens
// call, used when no local sidecar is configured.
type GenAIProbe struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGenAIProbe creates a Gemini-backed probe.
func NewGenAIProbe(ctx context.Context, apiKey, model string, timeout time.Duration, log *slog.Logger) (*GenAIProbe, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("probe model cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GenAIProbe{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  log.With("component", "ai_probe", "probe", "genai"),
	}, nil
}

// Check implements Probe. CountTokens is the cheapest round trip the
// API offers; it proves auth, connectivity, and model availability
// without generating anything.
func (p *GenAIProbe) Check(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.Models.CountTokens(ctx, p.model, genai.Text("ping"), nil)
	if err != nil {
		p.logger.Warn("Gemini health probe failed", "error", err)
		return Health{Details: fmt.Sprintf("count tokens failed: %v", err)}
	}
	return Health{OK: true}
}

// StaticProbe always answers the same verdict. Tests and deployments
// without any AI backend use it.
type StaticProbe struct {
	Healthy bool
}

// Check implements Probe.
func (p StaticProbe) Check(ctx context.Context) Health {
	if p.Healthy {
		return Health{OK: true}
	}
	return Health{Details: "statically configured unhealthy"}
}

// Interface guards.
var (
	_ Probe = (*HTTPProbe)(nil)
	_ Probe = (*GenAIProbe)(nil)
	_ Probe = StaticProbe{}
)
