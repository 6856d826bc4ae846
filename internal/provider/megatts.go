package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// MegaTTSProvider talks to a MegaTTS3-style voice-cloning server
type MegaTTSProvider struct {
	name       string
	config     types.TTSProviderConfig
	httpClient *http.Client
}

// NewMegaTTSProvider creates a client for the engine at config.Endpoint
func NewMegaTTSProvider(config types.TTSProviderConfig) (*MegaTTSProvider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for MegaTTS provider")
	}

	// The dispatcher sets a per-call deadline; this only bounds stuck connections.
	timeout := 300 * time.Second
	if timeoutStr, ok := config.Options["timeout"]; ok {
		if sec, err := strconv.Atoi(timeoutStr); err == nil && sec > 0 {
			timeout = time.Duration(sec) * time.Second
		}
	}

	return &MegaTTSProvider{
		name:       config.Name,
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (m *MegaTTSProvider) Name() string {
	return m.name
}

func (m *MegaTTSProvider) endpoint(path string) string {
	return strings.TrimSuffix(m.config.Endpoint, "/") + path
}

// Synthesize posts the text and reference artifacts as multipart form data
func (m *MegaTTSProvider) Synthesize(ctx context.Context, req TTSRequest) (*TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &EngineError{Provider: m.name, Code: CodeInvalidRequest, Message: "empty text"}
	}
	if len(req.ReferenceAudio) == 0 {
		return nil, &EngineError{Provider: m.name, Code: CodeInvalidRequest, Message: "missing reference audio"}
	}

	body, contentType, err := m.buildForm(req)
	if err != nil {
		return nil, &EngineError{Provider: m.name, Code: CodeInvalidRequest, Message: "failed to build form", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint("/tts/synthesize"), body)
	if err != nil {
		return nil, &EngineError{Provider: m.name, Code: CodeInvalidRequest, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", contentType)
	if m.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.config.APIKey)
	}

	log.Printf("[TTS-%s] Request: voice=%s text_length=%d time_step=%d", m.name, req.VoiceProfileID, len([]rune(req.Text)), req.Params.TimeStep)

	startTime := time.Now()
	resp, err := m.httpClient.Do(httpReq)
	duration := time.Since(startTime)
	if err != nil {
		log.Printf("[TTS-%s] Request failed after %v: %v", m.name, duration, err)
		return nil, transportError(m.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(m.name, err)
	}

	log.Printf("[TTS-%s] Response: %d (%d bytes, took %v)", m.name, resp.StatusCode, len(data), duration)

	if resp.StatusCode != http.StatusOK {
		var errResp megaTTSErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Detail != "" {
			return nil, statusError(m.name, resp.StatusCode, mapMegaTTSCode(errResp.ErrorCode), errResp.Detail)
		}
		return nil, statusError(m.name, resp.StatusCode, "", truncateString(string(data), 200))
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, &EngineError{Provider: m.name, Code: CodeMalformedResponse, Message: "response is not a wav stream", Retryable: true}
	}

	return &TTSResponse{
		AudioData:  data,
		Format:     "wav",
		SampleRate: int(dec.SampleRate),
	}, nil
}

func (m *MegaTTSProvider) buildForm(req TTSRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"text":      req.Text,
		"time_step": strconv.Itoa(req.Params.TimeStep),
		"p_weight":  strconv.FormatFloat(req.Params.PWeight, 'f', -1, 64),
		"t_weight":  strconv.FormatFloat(req.Params.TWeight, 'f', -1, 64),
	}
	for k, v := range req.Params.Extra {
		if _, reserved := fields[k]; !reserved {
			fields[k] = v
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	files := []struct {
		field, name string
		data        []byte
	}{
		{"reference_audio", req.VoiceProfileID + ".wav", req.ReferenceAudio},
		{"latent_file", req.VoiceProfileID + ".npy", req.ReferenceFeatures},
	}
	for _, f := range files {
		if len(f.data) == 0 {
			continue
		}
		part, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// Health probes GET /health
func (m *MegaTTSProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint("/health"), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return transportError(m.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(m.name, resp.StatusCode, CodeUnavailable, "health check failed")
	}
	return nil
}

func (m *MegaTTSProvider) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

// megaTTSErrorResponse is the JSON error body of the engine
type megaTTSErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

func mapMegaTTSCode(code string) string {
	switch strings.ToUpper(code) {
	case "":
		return ""
	case "TIMEOUT":
		return CodeTimeout
	case "REFERENCE_AUDIO_NOT_FOUND", "INVALID_PARAMS", "TEXT_TOO_LONG":
		return CodeInvalidRequest
	default:
		return CodeEngineError
	}
}
