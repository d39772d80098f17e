package browser

import "github.com/lotas/tabgruppen/internal/types"

// EventType names a browser event.
type EventType string

const (
	TabCreated       EventType = "tab.created"
	TabUpdated       EventType = "tab.updated"
	TabActivated     EventType = "tab.activated"
	TabRemoved       EventType = "tab.removed"
	TabMoved         EventType = "tab.moved"
	TabAttached      EventType = "tab.attached"
	TabDetached      EventType = "tab.detached"
	WindowCreated    EventType = "window.created"
	WindowRemoved    EventType = "window.removed"
	WindowFocused    EventType = "window.focused"
	ContainerRemoved EventType = "container.removed"
	BeforeNavigate   EventType = "navigation.before"
)

// Event is a single notification from the browser. Only the fields relevant
// to Type are set.
type Event struct {
	Type     EventType  `json:"type"`
	TabID    int        `json:"tabId,omitempty"`
	WindowID int        `json:"windowId,omitempty"`
	Tab      *types.Tab `json:"tab,omitempty"`

	// tab.activated
	PreviousTabID int `json:"previousTabId,omitempty"`
	// tab.removed
	IsWindowClosing bool `json:"isWindowClosing,omitempty"`
	// tab.attached / tab.detached
	OldWindowID int `json:"oldWindowId,omitempty"`
	NewWindowID int `json:"newWindowId,omitempty"`
	// container.removed
	CookieStoreID string `json:"cookieStoreId,omitempty"`
	// navigation.before
	RequestID string `json:"requestId,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Navigation is an in-flight top-level navigation the intercept listener saw.
type Navigation struct {
	RequestID     string
	TabID         int
	URL           string
	CookieStoreID string
}
