package coordinator

import (
	"sort"
	"sync"
)

// hintMap remembers the last trigger id scheduled per key by this process.
// It only saves a redundant fire; nothing depends on it being accurate.
type hintMap struct {
	mu  sync.Mutex
	ids map[string]string
}

func newHintMap() *hintMap {
	return &hintMap{ids: make(map[string]string)}
}

// swap records id for key and returns the id it replaced.
func (h *hintMap) swap(key, id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.ids[key]
	h.ids[key] = id
	return prev
}

// clearIf drops the hint only while it still names id.
func (h *hintMap) clearIf(key, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ids[key] != id {
		return false
	}
	delete(h.ids, key)
	return true
}

// clear drops the hint and returns the id it held.
func (h *hintMap) clear(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.ids[key]
	delete(h.ids, key)
	return id
}

func (h *hintMap) get(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.ids[key]
	return id, ok
}

func (h *hintMap) keys() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.ids))
	for k := range h.ids {
		out = append(out, k)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}
