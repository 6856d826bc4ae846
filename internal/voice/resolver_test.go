package voice

import (
	"context"
	"reflect"
	"testing"

	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

func setupResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	for _, path := range []string{
		"voices/voice_1/ref.wav", "voices/voice_1/ref.npy",
		"voices/voice_2/ref.wav",
		"voices/voice_3/ref.wav", "voices/voice_3/ref.npy",
	} {
		if err := storage.PutBytes(ctx, store, path, []byte("data")); err != nil {
			t.Fatalf("Failed to seed %s: %v", path, err)
		}
	}

	catalog, err := NewMemoryCatalog([]types.VoiceProfile{
		{ID: "voice_1", ReferenceAudioRef: "voices/voice_1/ref.wav", ReferenceFeatureRef: "voices/voice_1/ref.npy"},
		{ID: "voice_2", ReferenceAudioRef: "voices/voice_2/ref.wav", ReferenceFeatureRef: "voices/voice_2/ref.npy"},
		{ID: "voice_3", ReferenceAudioRef: "voices/voice_3/ref.wav", ReferenceFeatureRef: "voices/voice_3/ref.npy", Status: types.ProfileDisabled},
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	return NewResolver(catalog, store), store
}

func mustMapping(t *testing.T, raw map[string]string) types.SpeakerMapping {
	t.Helper()
	m, err := types.NewSpeakerMapping(raw)
	if err != nil {
		t.Fatalf("Failed to build mapping: %v", err)
	}
	return m
}

func TestResolve(t *testing.T) {
	resolver, _ := setupResolver(t)
	segments := []types.Segment{
		{Order: 0, Speaker: "A", Kind: types.KindDialogue, Status: types.SegmentPending},
		{Order: 1, Speaker: types.SpeakerNarration, Kind: types.KindNarration, Status: types.SegmentPending},
		{Order: 2, Speaker: "B", Kind: types.KindDialogue, Status: types.SegmentPending},
		{Order: 3, Speaker: "C", Kind: types.KindDialogue, Status: types.SegmentPending},
		{Order: 4, Speaker: "D", Kind: types.KindDialogue, Status: types.SegmentPending},
		{Order: 5, Speaker: "A", Kind: types.KindDialogue, Status: types.SegmentPending},
	}
	mapping := mustMapping(t, map[string]string{
		"A":                    "voice_1",
		"B":                    "voice_2", // features missing
		"C":                    "voice_3", // disabled
		"D":                    "voice_9", // no such profile
		types.SpeakerNarration: "voice_1",
	})

	out, unresolved, err := resolver.Resolve(context.Background(), segments, mapping)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if want := []string{"B", "C", "D"}; !reflect.DeepEqual(unresolved, want) {
		t.Errorf("Expected unresolved %v, got %v", want, unresolved)
	}

	wantIDs := []string{"voice_1", "voice_1", "", "", "", "voice_1"}
	for i, seg := range out {
		if seg.VoiceProfileID != wantIDs[i] {
			t.Errorf("Segment %d: expected voice %q, got %q", i, wantIDs[i], seg.VoiceProfileID)
		}
		if seg.Status != types.SegmentPending {
			t.Errorf("Segment %d: status changed to %s", i, seg.Status)
		}
	}

	for i, seg := range segments {
		if seg.VoiceProfileID != "" {
			t.Errorf("Input segment %d was mutated", i)
		}
	}
}

func TestResolve_Idempotent(t *testing.T) {
	resolver, _ := setupResolver(t)
	segments := []types.Segment{
		{Order: 0, Speaker: "A"},
		{Order: 1, Speaker: "Z"},
	}
	mapping := mustMapping(t, map[string]string{"A": "voice_1"})

	first, u1, err := resolver.Resolve(context.Background(), segments, mapping)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, u2, err := resolver.Resolve(context.Background(), first, mapping)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(u1, u2) || !reflect.DeepEqual(u1, []string{"Z"}) {
		t.Errorf("Expected stable unresolved [Z], got %v then %v", u1, u2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical segments on second pass")
	}
}

func TestResolve_ReferenceRemoved(t *testing.T) {
	resolver, store := setupResolver(t)
	ctx := context.Background()
	segments := []types.Segment{{Order: 0, Speaker: "A"}}
	mapping := mustMapping(t, map[string]string{"A": "voice_1"})

	if err := store.Delete(ctx, "voices/voice_1/ref.wav"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	out, unresolved, err := resolver.Resolve(ctx, segments, mapping)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(unresolved) != 1 || out[0].VoiceProfileID != "" {
		t.Errorf("Expected A to become unresolved, got %v / %+v", unresolved, out[0])
	}
}

func TestCheck_EmptyReference(t *testing.T) {
	resolver, store := setupResolver(t)
	ctx := context.Background()
	if err := storage.PutBytes(ctx, store, "voices/voice_1/ref.npy", nil); err != nil {
		t.Fatalf("Failed to truncate features: %v", err)
	}

	got, err := resolver.Check(ctx, "voice_1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got != ReasonMissingFeatures {
		t.Errorf("Expected an empty feature file to count as missing, got %q", got)
	}
}

func TestResolve_ExplicitFallback(t *testing.T) {
	resolver, _ := setupResolver(t)
	segments := []types.Segment{
		{Order: 0, Speaker: "A"},
		{Order: 1, Speaker: types.SpeakerNarration},
	}
	mapping := mustMapping(t, map[string]string{"A": "voice_1"})

	_, unresolved, err := resolver.Resolve(context.Background(), segments, mapping)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(unresolved, []string{types.SpeakerNarration}) {
		t.Fatalf("Resolver must not guess a default voice, got %v", unresolved)
	}

	out, unresolved, err := resolver.Resolve(context.Background(), segments, mapping.WithFallback(unresolved, "voice_1"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(unresolved) != 0 || out[1].VoiceProfileID != "voice_1" {
		t.Errorf("Expected fallback to resolve narration, got %v / %+v", unresolved, out[1])
	}
}

func TestCheck(t *testing.T) {
	resolver, _ := setupResolver(t)
	tests := []struct {
		id   string
		want Reason
	}{
		{"voice_1", ReasonUsable},
		{"voice_2", ReasonMissingFeatures},
		{"voice_3", ReasonDisabled},
		{"nope", ReasonUnknownProfile},
	}
	for _, tt := range tests {
		got, err := resolver.Check(context.Background(), tt.id)
		if err != nil {
			t.Fatalf("Check(%s) failed: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("Check(%s) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
