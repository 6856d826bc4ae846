package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// ErrMalformedOutput is returned when the model reply cannot be parsed into segments
var ErrMalformedOutput = errors.New("malformed model output")

// OpenAILLMProvider attributes speakers with an OpenAI-compatible chat model
type OpenAILLMProvider struct {
	name        string
	config      types.LLMProviderConfig
	client      *openai.Client
	httpClient  *http.Client
	temperature float32
}

// NewOpenAILLMProvider creates a new OpenAI-compatible LLM provider
func NewOpenAILLMProvider(config types.LLMProviderConfig) (*OpenAILLMProvider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for OpenAI LLM provider")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model is required for OpenAI LLM provider")
	}

	timeout := 60 * time.Second
	if sec, err := strconv.Atoi(config.Options["timeout"]); err == nil && sec > 0 {
		timeout = time.Duration(sec) * time.Second
	}

	var temperature float32
	if raw, ok := config.Options["temperature"]; ok {
		if t, err := strconv.ParseFloat(raw, 32); err == nil {
			temperature = float32(t)
		} else {
			log.Printf("[LLM-%s] Warning: Failed to parse temperature value '%s', ignoring", config.Name, raw)
		}
	}

	httpClient := &http.Client{Timeout: timeout}
	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(config.Endpoint, "/")
	clientConfig.HTTPClient = httpClient

	return &OpenAILLMProvider{
		name:        config.Name,
		config:      config,
		client:      openai.NewClientWithConfig(clientConfig),
		httpClient:  httpClient,
		temperature: temperature,
	}, nil
}

func (o *OpenAILLMProvider) Name() string {
	return o.name
}

// Segment asks the model for a JSON object {"segments": [...]}
func (o *OpenAILLMProvider) Segment(ctx context.Context, req SegmentRequest) (*SegmentResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: o.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: segmentationSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildSegmentationPrompt(req)},
		},
		Temperature: o.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	startTime := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		log.Printf("[LLM-%s] Request failed after %v: %v", o.name, time.Since(startTime), err)
		return nil, fmt.Errorf("failed to call LLM API: %w", err)
	}
	log.Printf("[LLM-%s] Response in %v (tokens=%d)", o.name, time.Since(startTime), resp.Usage.TotalTokens)

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedOutput)
	}
	segments, err := parseSegmentationResponse(resp.Choices[0].Message.Content)
	if err != nil {
		log.Printf("[LLM-%s] Unparseable reply: %s", o.name, truncateString(resp.Choices[0].Message.Content, 300))
		return nil, err
	}
	return &SegmentResponse{Segments: segments}, nil
}

func (o *OpenAILLMProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

const segmentationSystemPrompt = `You attribute novel text to speakers for an audiobook.
Split the paragraph into spans in original order. Quoted speech is "dialogue" and is attributed to the character who says it.
Everything else is "narration" with speaker "narration". If a quote cannot be attributed, use speaker "unknown".
Copy the text of each span exactly, without the quotation marks and without speech tags such as "he said".
Reply with a JSON object: {"segments":[{"speaker":"...","text":"...","kind":"dialogue|narration"}]}`

func buildSegmentationPrompt(req SegmentRequest) string {
	var sb strings.Builder

	if len(req.KnownSpeakers) > 0 {
		sb.WriteString("Known speakers: ")
		sb.WriteString(strings.Join(req.KnownSpeakers, ", "))
		sb.WriteString("\n\n")
	}
	if len(req.ContextBefore) > 0 {
		sb.WriteString("Previous context:\n")
		for _, c := range req.ContextBefore {
			sb.WriteString("- " + c + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Paragraph:\n")
	sb.WriteString(req.Text)
	sb.WriteString("\n")

	if len(req.ContextAfter) > 0 {
		sb.WriteString("\nFollowing context:\n")
		for _, c := range req.ContextAfter {
			sb.WriteString("- " + c + "\n")
		}
	}
	return sb.String()
}

// parseSegmentationResponse accepts either {"segments":[...]} or a bare array
func parseSegmentationResponse(content string) ([]Segment, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var segments []Segment
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &segments); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
	} else {
		var wrapped struct {
			Segments []Segment `json:"segments"`
		}
		if err := json.Unmarshal([]byte(content), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		segments = wrapped.Segments
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformedOutput)
	}
	for i, s := range segments {
		if strings.TrimSpace(s.Text) == "" {
			return nil, fmt.Errorf("%w: segment %d has no text", ErrMalformedOutput, i)
		}
		if !types.SegmentKind(s.Kind).Valid() {
			return nil, fmt.Errorf("%w: segment %d has kind %q", ErrMalformedOutput, i, s.Kind)
		}
	}
	return segments, nil
}
