package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

func jsonDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected 'Bearer test-key', got '%s'", got)
		}
		var req map[string]any
		if err := jsonDecode(r.Body, &req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req["model"] != "gpt-test" {
			t.Errorf("Expected model gpt-test, got %v", req["model"])
		}
		encoded, _ := json.Marshal(content)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
"choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}],
"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, encoded)
	}))
}

func TestNewOpenAILLMProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     types.LLMProviderConfig
		wantErr string
	}{
		{"MissingEndpoint", types.LLMProviderConfig{Name: "llm", Model: "m"}, "endpoint is required"},
		{"MissingModel", types.LLMProviderConfig{Name: "llm", Endpoint: "http://x"}, "model is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOpenAILLMProvider(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOpenAILLMProvider_Segment(t *testing.T) {
	t.Run("WrappedObject", func(t *testing.T) {
		server := chatServer(t, `{"segments":[{"speaker":"A","text":"你好。","kind":"dialogue"},{"speaker":"narration","text":"他笑了笑。","kind":"narration"}]}`)
		defer server.Close()

		p, err := NewOpenAILLMProvider(types.LLMProviderConfig{Name: "llm", Endpoint: server.URL + "/v1", APIKey: "test-key", Model: "gpt-test"})
		if err != nil {
			t.Fatalf("Failed to create provider: %v", err)
		}
		resp, err := p.Segment(context.Background(), SegmentRequest{Text: `A说："你好。"他笑了笑。`, KnownSpeakers: []string{"A"}})
		if err != nil {
			t.Fatalf("Segment failed: %v", err)
		}
		if len(resp.Segments) != 2 {
			t.Fatalf("Expected 2 segments, got %d", len(resp.Segments))
		}
		if resp.Segments[0].Speaker != "A" || resp.Segments[1].Kind != "narration" {
			t.Errorf("Unexpected segments: %+v", resp.Segments)
		}
	})

	t.Run("MalformedOutput", func(t *testing.T) {
		server := chatServer(t, "Sure! Here are the speakers: A and B.")
		defer server.Close()

		p, _ := NewOpenAILLMProvider(types.LLMProviderConfig{Name: "llm", Endpoint: server.URL + "/v1", APIKey: "test-key", Model: "gpt-test"})
		_, err := p.Segment(context.Background(), SegmentRequest{Text: "x"})
		if !errors.Is(err, ErrMalformedOutput) {
			t.Errorf("Expected ErrMalformedOutput, got %v", err)
		}
	})
}

func TestParseSegmentationResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"BareArray", `[{"speaker":"B","text":"Hi.","kind":"dialogue"}]`, 1, false},
		{"FencedJSON", "```json\n{\"segments\":[{\"speaker\":\"narration\",\"text\":\"x\",\"kind\":\"narration\"}]}\n```", 1, false},
		{"Empty", `{"segments":[]}`, 0, true},
		{"BadKind", `[{"speaker":"B","text":"Hi.","kind":"song"}]`, 0, true},
		{"EmptyText", `[{"speaker":"B","text":" ","kind":"dialogue"}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSegmentationResponse(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d segments, got %d", tt.want, len(got))
			}
		})
	}
}
