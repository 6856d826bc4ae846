package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Environment sound length limits of the generator
const (
	MinEnvironmentSeconds = 1.0
	MaxEnvironmentSeconds = 60.0
)

// TangoFluxProvider talks to a TangoFlux-style text-to-audio server
type TangoFluxProvider struct {
	name       string
	config     types.EnvironmentProviderConfig
	httpClient *http.Client
	steps      int
}

// NewTangoFluxProvider creates a client for the generator at config.Endpoint
func NewTangoFluxProvider(config types.EnvironmentProviderConfig) (*TangoFluxProvider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for TangoFlux provider")
	}

	timeout := 300 * time.Second
	if sec, err := strconv.Atoi(config.Options["timeout"]); err == nil && sec > 0 {
		timeout = time.Duration(sec) * time.Second
	}
	steps := 50
	if n, err := strconv.Atoi(config.Options["steps"]); err == nil && n > 0 {
		steps = n
	}

	return &TangoFluxProvider{
		name:       config.Name,
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		steps:      steps,
	}, nil
}

func (p *TangoFluxProvider) Name() string {
	return p.name
}

// ClampEnvironmentSeconds keeps a requested duration inside the generator limits
func ClampEnvironmentSeconds(sec float64) float64 {
	if sec < MinEnvironmentSeconds {
		return MinEnvironmentSeconds
	}
	if sec > MaxEnvironmentSeconds {
		return MaxEnvironmentSeconds
	}
	return sec
}

// Generate posts {prompt, duration, steps} and expects a wav body back
func (p *TangoFluxProvider) Generate(ctx context.Context, req EnvironmentRequest) (*EnvironmentResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &EngineError{Provider: p.name, Code: CodeInvalidRequest, Message: "empty prompt"}
	}
	steps := req.Steps
	if steps <= 0 {
		steps = p.steps
	}

	payload, err := json.Marshal(tangoFluxRequest{
		Prompt:   req.Prompt,
		Duration: ClampEnvironmentSeconds(req.DurationSeconds),
		Steps:    steps,
	})
	if err != nil {
		return nil, &EngineError{Provider: p.name, Code: CodeInvalidRequest, Message: "failed to marshal request", Err: err}
	}

	endpoint := strings.TrimSuffix(p.config.Endpoint, "/") + "/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &EngineError{Provider: p.name, Code: CodeInvalidRequest, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log.Printf("[ENV-%s] Request: POST %s prompt=%q", p.name, endpoint, truncateString(req.Prompt, 80))

	startTime := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[ENV-%s] Request failed after %v: %v", p.name, time.Since(startTime), err)
		return nil, transportError(p.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp megaTTSErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Detail != "" {
			return nil, statusError(p.name, resp.StatusCode, "", errResp.Detail)
		}
		return nil, statusError(p.name, resp.StatusCode, "", truncateString(string(data), 200))
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, &EngineError{Provider: p.name, Code: CodeMalformedResponse, Message: "response is not a wav stream", Retryable: true}
	}

	log.Printf("[ENV-%s] Generated %d bytes in %v", p.name, len(data), time.Since(startTime))
	return &EnvironmentResponse{AudioData: data, Format: "wav", SampleRate: int(dec.SampleRate)}, nil
}

func (p *TangoFluxProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.config.Endpoint, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transportError(p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(p.name, resp.StatusCode, CodeUnavailable, "health check failed")
	}
	return nil
}

func (p *TangoFluxProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

type tangoFluxRequest struct {
	Prompt   string  `json:"prompt"`
	Duration float64 `json:"duration"`
	Steps    int     `json:"steps"`
}
