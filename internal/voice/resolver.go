package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Reason explains why a profile cannot be used
type Reason string

const (
	ReasonUsable          Reason = ""
	ReasonUnmapped        Reason = "unmapped"
	ReasonUnknownProfile  Reason = "unknown_profile"
	ReasonDisabled        Reason = "disabled"
	ReasonMissingAudio    Reason = "missing_reference_audio"
	ReasonMissingFeatures Reason = "missing_reference_features"
)

// Resolver maps speakers to validated voice profiles
type Resolver struct {
	catalog Catalog
	store   storage.Store
}

// NewResolver creates a new resolver
func NewResolver(catalog Catalog, store storage.Store) *Resolver {
	return &Resolver{catalog: catalog, store: store}
}

// Resolve returns a copy of segments with voice profile ids set for every speaker
// whose mapped profile is active and has both reference artifacts in storage.
// Segments of other speakers keep an empty profile id and the sorted list of
// those speakers is returned. Input segments are not modified.
func (r *Resolver) Resolve(ctx context.Context, segments []types.Segment, mapping types.SpeakerMapping) ([]types.Segment, []string, error) {
	resolved := make(map[string]string)
	checked := make(map[string]Reason)
	var unresolved []string

	out := make([]types.Segment, len(segments))
	copy(out, segments)

	for i := range out {
		speaker := out[i].Speaker
		id, done := resolved[speaker]
		if !done {
			var reason Reason
			var err error
			id, reason, err = r.resolveSpeaker(ctx, speaker, mapping, checked)
			if err != nil {
				return nil, nil, err
			}
			if reason != ReasonUsable {
				log.Printf("[Resolver] Speaker %q unresolved: %s", speaker, reason)
				unresolved = append(unresolved, speaker)
				id = ""
			}
			resolved[speaker] = id
		}
		out[i].VoiceProfileID = id
	}

	sort.Strings(unresolved)
	return out, unresolved, nil
}

func (r *Resolver) resolveSpeaker(ctx context.Context, speaker string, mapping types.SpeakerMapping, checked map[string]Reason) (string, Reason, error) {
	id, ok := mapping.Lookup(speaker)
	if !ok {
		return "", ReasonUnmapped, nil
	}
	if reason, ok := checked[id]; ok {
		return id, reason, nil
	}
	reason, err := r.Check(ctx, id)
	if err != nil {
		return "", "", err
	}
	checked[id] = reason
	return id, reason, nil
}

// Check validates a single profile and reports why it is unusable, if it is
func (r *Resolver) Check(ctx context.Context, profileID string) (Reason, error) {
	profile, ok := r.catalog.Get(profileID)
	if !ok {
		return ReasonUnknownProfile, nil
	}
	if profile.Status != types.ProfileActive {
		return ReasonDisabled, nil
	}

	for _, ref := range []struct {
		path   string
		reason Reason
	}{
		{profile.ReferenceAudioRef, ReasonMissingAudio},
		{profile.ReferenceFeatureRef, ReasonMissingFeatures},
	} {
		if ref.path == "" {
			return ref.reason, nil
		}
		present, err := r.nonEmpty(ctx, ref.path)
		if err != nil {
			return "", fmt.Errorf("failed to check %s for profile %s: %w", ref.path, profileID, err)
		}
		if !present {
			return ref.reason, nil
		}
	}
	return ReasonUsable, nil
}

// nonEmpty reports whether path holds at least one byte
func (r *Resolver) nonEmpty(ctx context.Context, path string) (bool, error) {
	rc, err := r.store.Get(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer rc.Close()

	var b [1]byte
	n, err := rc.Read(b[:])
	if n > 0 {
		return true, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return false, nil
}
