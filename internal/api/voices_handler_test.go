package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/voice"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

func newVoicesHandler(t *testing.T) *VoicesHandler {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	for _, path := range []string{"voices/alice/ref.wav", "voices/alice/latent.npy", "voices/bob/ref.wav"} {
		if err := storage.PutBytes(ctx, store, path, []byte("x")); err != nil {
			t.Fatalf("Failed to store %s: %v", path, err)
		}
	}

	catalog, err := voice.NewMemoryCatalog([]types.VoiceProfile{
		{ID: "alice", DisplayName: "Alice", ReferenceAudioRef: "voices/alice/ref.wav", ReferenceFeatureRef: "voices/alice/latent.npy"},
		{ID: "bob", ReferenceAudioRef: "voices/bob/ref.wav", ReferenceFeatureRef: "voices/bob/latent.npy"},
		{ID: "carol", ReferenceAudioRef: "voices/alice/ref.wav", ReferenceFeatureRef: "voices/alice/latent.npy", Status: types.ProfileDisabled},
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	return NewVoicesHandler(catalog, voice.NewResolver(catalog, store))
}

func decodeVoices(t *testing.T, w *httptest.ResponseRecorder) []VoiceResponse {
	t.Helper()
	var response struct {
		Voices []VoiceResponse `json:"voices"`
		Count  int             `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Count != len(response.Voices) {
		t.Errorf("Count mismatch: count=%d, voices length=%d", response.Count, len(response.Voices))
	}
	return response.Voices
}

func TestVoicesHandler_ListVoices(t *testing.T) {
	handler := newVoicesHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voices", nil)
	w := httptest.NewRecorder()
	handler.ListVoices(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	voices := decodeVoices(t, w)
	if len(voices) != 3 {
		t.Fatalf("Expected 3 voices, got %d", len(voices))
	}

	tests := []struct {
		id     string
		usable bool
		reason voice.Reason
	}{
		{"alice", true, voice.ReasonUsable},
		{"bob", false, voice.ReasonMissingFeatures},
		{"carol", false, voice.ReasonDisabled},
	}
	for i, tt := range tests {
		got := voices[i]
		if got.ID != tt.id || got.Usable != tt.usable || got.Reason != string(tt.reason) {
			t.Errorf("Voice %d: expected %s usable=%v reason=%q, got %+v", i, tt.id, tt.usable, tt.reason, got)
		}
	}
	if voices[0].DisplayName != "Alice" || voices[0].Status != types.ProfileActive {
		t.Errorf("Unexpected profile details: %+v", voices[0])
	}
}

func TestVoicesHandler_ListUsableVoices(t *testing.T) {
	handler := newVoicesHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voices?usable=true", nil)
	w := httptest.NewRecorder()
	handler.ListVoices(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	voices := decodeVoices(t, w)
	if len(voices) != 1 || voices[0].ID != "alice" {
		t.Errorf("Expected only alice, got %+v", voices)
	}
}

func TestVoicesHandler_EmptyCatalog(t *testing.T) {
	catalog, _ := voice.NewMemoryCatalog(nil)
	store, _ := storage.NewLocalStore(t.TempDir())
	handler := NewVoicesHandler(catalog, voice.NewResolver(catalog, store))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voices", nil)
	w := httptest.NewRecorder()
	handler.ListVoices(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if voices := decodeVoices(t, w); len(voices) != 0 {
		t.Errorf("Expected no voices, got %d", len(voices))
	}
}

func TestVoicesHandler_MethodNotAllowed(t *testing.T) {
	handler := newVoicesHandler(t)

	// Only GET is allowed
	req := httptest.NewRequest(http.MethodPost, "/api/v1/voices", nil)
	w := httptest.NewRecorder()
	handler.ListVoices(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}
