package engine

import "sync"

// History is the list of visited group ids behind "previous/next group by
// history". Visiting a group after stepping back drops the forward entries.
type History struct {
	mu     sync.Mutex
	ids    []int
	cursor int
}

// Push records a visit.
func (h *History) Push(groupID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ids) > 0 {
		h.ids = h.ids[:h.cursor+1]
		if h.ids[h.cursor] == groupID {
			return
		}
	}
	h.ids = append(h.ids, groupID)
	h.cursor = len(h.ids) - 1
}

// Target prunes ids for which exists is false and returns the position and
// group id delta steps away from the cursor.
func (h *History) Target(delta int, exists func(int) bool) (pos, groupID int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(exists)
	pos = h.cursor + delta
	if len(h.ids) == 0 || pos < 0 || pos >= len(h.ids) {
		return 0, 0, false
	}
	return pos, h.ids[pos], true
}

// Seek moves the cursor to pos if it still holds groupID.
func (h *History) Seek(pos, groupID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pos >= 0 && pos < len(h.ids) && h.ids[pos] == groupID {
		h.cursor = pos
	}
}

// IDs returns a copy of the entries and the cursor.
func (h *History) IDs() ([]int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.ids...), h.cursor
}

// prune drops dead entries and merges neighbours that became equal, keeping
// the cursor on the entry it pointed at (or the one before it).
func (h *History) prune(exists func(int) bool) {
	var kept []int
	cursor := -1
	for i, id := range h.ids {
		if exists(id) && (len(kept) == 0 || kept[len(kept)-1] != id) {
			kept = append(kept, id)
		}
		if i == h.cursor {
			cursor = len(kept) - 1
		}
	}
	if cursor < 0 && len(kept) > 0 {
		cursor = 0
	}
	h.ids = kept
	h.cursor = cursor
	if h.cursor < 0 {
		h.cursor = 0
	}
}
