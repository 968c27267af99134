package ai

import "sync"

// CredentialPool holds the ordered API keys configured for one provider and
// the rotation cursor. Each adapter instance owns its pool; rotation never
// leaks across providers.
type CredentialPool struct {
	mu   sync.Mutex
	keys []string
	cur  int
}

func NewCredentialPool(keys []string) *CredentialPool {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return &CredentialPool{keys: out}
}

func (p *CredentialPool) Len() int { return len(p.keys) }

// Current returns the key at the cursor and its slot index.
func (p *CredentialPool) Current() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", -1
	}
	return p.keys[p.cur], p.cur
}

// Rotate advances the cursor to the next slot and returns the new key.
func (p *CredentialPool) Rotate() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", -1
	}
	p.cur = (p.cur + 1) % len(p.keys)
	return p.keys[p.cur], p.cur
}

// Slot returns the key at a fixed index, for models pinned to a specific
// credential. ok is false when the slot is not configured.
func (p *CredentialPool) Slot(i int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.keys) {
		return "", false
	}
	return p.keys[i], true
}
