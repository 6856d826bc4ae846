package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/unalkalkan/TwelveNarrator/internal/voice"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// VoicesHandler handles voice profile endpoints
type VoicesHandler struct {
	catalog  voice.Catalog
	resolver *voice.Resolver
}

// NewVoicesHandler creates a new voices handler
func NewVoicesHandler(catalog voice.Catalog, resolver *voice.Resolver) *VoicesHandler {
	return &VoicesHandler{
		catalog:  catalog,
		resolver: resolver,
	}
}

// VoiceResponse represents a voice profile in the API response
type VoiceResponse struct {
	ID          string                 `json:"id"`
	DisplayName string                 `json:"display_name,omitempty"`
	Status      types.ProfileStatus    `json:"status"`
	Usable      bool                   `json:"usable"`
	Reason      string                 `json:"reason,omitempty"`
	Params      *types.SynthesisParams `json:"params,omitempty"`
}

// ListVoices handles GET /api/v1/voices. With ?usable=true only profiles
// that can be dispatched right now are listed.
func (h *VoicesHandler) ListVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	usableOnly := strings.EqualFold(r.URL.Query().Get("usable"), "true")

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	voices := []VoiceResponse{}
	for _, p := range h.catalog.List() {
		reason, err := h.resolver.Check(ctx, p.ID)
		if err != nil {
			log.Printf("[API] Failed to check voice profile %s: %v", p.ID, err)
			respondError(w, "Failed to check voice profiles", http.StatusInternalServerError)
			return
		}
		usable := reason == voice.ReasonUsable
		if usableOnly && !usable {
			continue
		}
		voices = append(voices, VoiceResponse{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Status:      p.Status,
			Usable:      usable,
			Reason:      string(reason),
			Params:      p.Params,
		})
	}

	respondJSON(w, map[string]interface{}{
		"voices": voices,
		"count":  len(voices),
	}, http.StatusOK)
}
