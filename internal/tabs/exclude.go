package tabs

import "sync"

// Exclude holds the tab ids the engine is mutating right now. Event handlers
// skip excluded ids so the engine does not react to its own calls. Ids are
// reference counted: overlapping batches on the same tab keep it excluded
// until the last one finishes.
type Exclude struct {
	mu       sync.Mutex
	ids      map[int]int
	creating map[int]int
}

// NewExclude returns an empty set.
func NewExclude() *Exclude {
	return &Exclude{ids: make(map[int]int), creating: make(map[int]int)}
}

// Add excludes ids.
func (e *Exclude) Add(ids ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.ids[id]++
	}
}

// Remove releases ids.
func (e *Exclude) Remove(ids ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if e.ids[id] <= 1 {
			delete(e.ids, id)
		} else {
			e.ids[id]--
		}
	}
}

// Has reports whether id is excluded.
func (e *Exclude) Has(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ids[id] > 0
}

// Len returns the number of excluded ids.
func (e *Exclude) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ids)
}

// Creating reports whether the engine is creating a tab in windowID. The
// new tab's id is unknown until the call returns, so its creation event is
// matched by window instead.
func (e *Exclude) Creating(windowID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creating[windowID] > 0
}

func (e *Exclude) beginCreate(windowID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.creating[windowID]++
}

func (e *Exclude) endCreate(windowID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.creating[windowID] <= 1 {
		delete(e.creating, windowID)
	} else {
		e.creating[windowID]--
	}
}
