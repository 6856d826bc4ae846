package voice

import (
	"fmt"
	"sort"
	"sync"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Catalog gives read access to voice profiles
type Catalog interface {
	Get(id string) (types.VoiceProfile, bool)
	List() []types.VoiceProfile
}

// MemoryCatalog is an in-memory catalog seeded from configuration
type MemoryCatalog struct {
	mu       sync.RWMutex
	profiles map[string]types.VoiceProfile
}

// NewMemoryCatalog creates a catalog from the given profiles
func NewMemoryCatalog(profiles []types.VoiceProfile) (*MemoryCatalog, error) {
	c := &MemoryCatalog{profiles: make(map[string]types.VoiceProfile, len(profiles))}
	for _, p := range profiles {
		if err := c.Put(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Put adds or replaces a profile. Jobs copy what they need at resolution time,
// so replacing a profile never affects a run already in flight.
func (c *MemoryCatalog) Put(p types.VoiceProfile) error {
	if p.ID == "" {
		return fmt.Errorf("voice profile id is required")
	}
	if p.Status == "" {
		p.Status = types.ProfileActive
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.ID] = p
	return nil
}

func (c *MemoryCatalog) Get(id string) (types.VoiceProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[id]
	return p, ok
}

// List returns all profiles sorted by id
func (c *MemoryCatalog) List() []types.VoiceProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.VoiceProfile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
