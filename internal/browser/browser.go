// Package browser declares the collaborators the engine drives: the live tab
// and window manager, containers, per-object session storage, the durable
// key/value store and the user-facing sinks.
package browser

import (
	"context"
	"errors"

	"github.com/lotas/tabgruppen/internal/types"
)

// ErrNotFound is returned when a tab or window no longer exists.
var ErrNotFound = errors.New("not found")

// TabQuery selects live tabs. Zero values match everything.
type TabQuery struct {
	WindowID int
	Active   *bool
	Hidden   *bool
	Pinned   *bool
}

// Bool returns a pointer to b, for TabQuery fields.
func Bool(b bool) *bool { return &b }

// CreateTab describes a tab to create.
type CreateTab struct {
	URL           string `json:"url,omitempty"`
	Title         string `json:"title,omitempty"`
	WindowID      int    `json:"windowId,omitempty"`
	Index         int    `json:"index,omitempty"` // 0 appends
	CookieStoreID string `json:"cookieStoreId,omitempty"`
	OpenerTabID   int    `json:"openerTabId,omitempty"`
	Active        bool   `json:"active"`
	Pinned        bool   `json:"pinned,omitempty"`
	Discarded     bool   `json:"discarded,omitempty"`
}

// UpdateTab changes properties of a live tab. Nil fields are left alone.
type UpdateTab struct {
	URL    string `json:"url,omitempty"`
	Active *bool  `json:"active,omitempty"`
	Muted  *bool  `json:"muted,omitempty"`
}

// Tabs is the browser's tab manager.
type Tabs interface {
	Query(ctx context.Context, q TabQuery) ([]types.Tab, error)
	Get(ctx context.Context, tabID int) (types.Tab, error)
	Create(ctx context.Context, spec CreateTab) (types.Tab, error)
	Update(ctx context.Context, tabID int, upd UpdateTab) (types.Tab, error)
	// Move moves tabs to windowID at index; index -1 appends.
	Move(ctx context.Context, tabIDs []int, windowID, index int) ([]types.Tab, error)
	Show(ctx context.Context, tabIDs []int) error
	Hide(ctx context.Context, tabIDs []int) error
	Discard(ctx context.Context, tabIDs []int) error
	Reload(ctx context.Context, tabID int) error
	Remove(ctx context.Context, tabIDs []int) error
}

// Windows is the browser's window manager.
type Windows interface {
	GetAll(ctx context.Context) ([]types.Window, error)
	Get(ctx context.Context, windowID int) (types.Window, error)
	LastFocused(ctx context.Context) (types.Window, error)
	Create(ctx context.Context) (types.Window, error)
	Focus(ctx context.Context, windowID int) error
}

// Containers manages identity containers.
type Containers interface {
	Query(ctx context.Context) ([]types.Container, error)
	Create(ctx context.Context, c types.Container) (types.Container, error)
	CreateTemporary(ctx context.Context) (types.Container, error)
}

// SessionValues stores values tied to the native lifetime of a tab or window.
// Reading a missing key returns "" and no error.
type SessionValues interface {
	TabValue(ctx context.Context, tabID int, key string) (string, error)
	SetTabValue(ctx context.Context, tabID int, key, value string) error
	RemoveTabValue(ctx context.Context, tabID int, key string) error
	WindowValue(ctx context.Context, windowID int, key string) (string, error)
	SetWindowValue(ctx context.Context, windowID int, key, value string) error
	RemoveWindowValue(ctx context.Context, windowID int, key string) error
}

// KV is the device-local durable store. Missing keys are absent from Get's result.
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
}

// Notification is a dismissible message for the user. Action, when set, is
// a bus action invoked if the user clicks the message.
type Notification struct {
	ID      string         `json:"id,omitempty"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message"`
	Action  string         `json:"action,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Sticky  bool           `json:"sticky,omitempty"`
}

// Notifier shows notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// UI is the browser-action surface: the loading indicator and the badge.
type UI interface {
	SetLoading(ctx context.Context, windowID int, loading bool)
	SetError(ctx context.Context, windowID int, message string)
	SetActiveGroup(ctx context.Context, windowID int, group *types.Group)
}

// Interceptor toggles the navigation intercept listener.
type Interceptor interface {
	SetNavigationIntercept(ctx context.Context, enabled bool) error
}

// Reloader restarts the whole extension.
type Reloader interface {
	Reload(ctx context.Context, reason string) error
}

// Publisher broadcasts an event to the extension's pages and to external
// extensions subscribed to it.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any)
}
