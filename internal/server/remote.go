package server

import (
	"context"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/types"
)

// Remote drives the browser through the connected extension. It implements
// browser.Tabs, SessionValues, Notifier, UI, Interceptor and Publisher
// directly; Windows, Containers and Reloader are views.
type Remote struct {
	s          *Server
	recipients func(event string) []string
}

// NewRemote wraps s. recipients lists the external extensions subscribed to
// an event and may be nil.
func NewRemote(s *Server, recipients func(event string) []string) *Remote {
	return &Remote{s: s, recipients: recipients}
}

type tabIDsParams struct {
	TabIDs []int `json:"tabIds"`
}

type tabIDParams struct {
	TabID int `json:"tabId"`
}

// ---- browser.Tabs ----

func (r *Remote) Query(ctx context.Context, q browser.TabQuery) ([]types.Tab, error) {
	var out []types.Tab
	params := map[string]any{}
	if q.WindowID != 0 {
		params["windowId"] = q.WindowID
	}
	if q.Active != nil {
		params["active"] = *q.Active
	}
	if q.Hidden != nil {
		params["hidden"] = *q.Hidden
	}
	if q.Pinned != nil {
		params["pinned"] = *q.Pinned
	}
	err := r.s.Call(ctx, "tabs.query", params, &out)
	return out, err
}

func (r *Remote) Get(ctx context.Context, tabID int) (types.Tab, error) {
	var t types.Tab
	err := r.s.Call(ctx, "tabs.get", tabIDParams{tabID}, &t)
	return t, err
}

func (r *Remote) Create(ctx context.Context, spec browser.CreateTab) (types.Tab, error) {
	var t types.Tab
	err := r.s.Call(ctx, "tabs.create", spec, &t)
	return t, err
}

func (r *Remote) Update(ctx context.Context, tabID int, upd browser.UpdateTab) (types.Tab, error) {
	var t types.Tab
	err := r.s.Call(ctx, "tabs.update", struct {
		TabID int `json:"tabId"`
		browser.UpdateTab
	}{tabID, upd}, &t)
	return t, err
}

func (r *Remote) Move(ctx context.Context, tabIDs []int, windowID, index int) ([]types.Tab, error) {
	var out []types.Tab
	err := r.s.Call(ctx, "tabs.move", map[string]any{
		"tabIds":   tabIDs,
		"windowId": windowID,
		"index":    index,
	}, &out)
	return out, err
}

func (r *Remote) Show(ctx context.Context, tabIDs []int) error {
	return r.s.Call(ctx, "tabs.show", tabIDsParams{tabIDs}, nil)
}

func (r *Remote) Hide(ctx context.Context, tabIDs []int) error {
	return r.s.Call(ctx, "tabs.hide", tabIDsParams{tabIDs}, nil)
}

func (r *Remote) Discard(ctx context.Context, tabIDs []int) error {
	return r.s.Call(ctx, "tabs.discard", tabIDsParams{tabIDs}, nil)
}

func (r *Remote) Reload(ctx context.Context, tabID int) error {
	return r.s.Call(ctx, "tabs.reload", tabIDParams{tabID}, nil)
}

func (r *Remote) Remove(ctx context.Context, tabIDs []int) error {
	return r.s.Call(ctx, "tabs.remove", tabIDsParams{tabIDs}, nil)
}

// ---- browser.SessionValues ----

type valueParams struct {
	Scope string `json:"scope"`
	ID    int    `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (r *Remote) TabValue(ctx context.Context, tabID int, key string) (string, error) {
	var v string
	err := r.s.Call(ctx, "sessions.getValue", valueParams{Scope: "tab", ID: tabID, Key: key}, &v)
	return v, err
}

func (r *Remote) SetTabValue(ctx context.Context, tabID int, key, value string) error {
	return r.s.Call(ctx, "sessions.setValue", valueParams{Scope: "tab", ID: tabID, Key: key, Value: value}, nil)
}

func (r *Remote) RemoveTabValue(ctx context.Context, tabID int, key string) error {
	return r.s.Call(ctx, "sessions.removeValue", valueParams{Scope: "tab", ID: tabID, Key: key}, nil)
}

func (r *Remote) WindowValue(ctx context.Context, windowID int, key string) (string, error) {
	var v string
	err := r.s.Call(ctx, "sessions.getValue", valueParams{Scope: "window", ID: windowID, Key: key}, &v)
	return v, err
}

func (r *Remote) SetWindowValue(ctx context.Context, windowID int, key, value string) error {
	return r.s.Call(ctx, "sessions.setValue", valueParams{Scope: "window", ID: windowID, Key: key, Value: value}, nil)
}

func (r *Remote) RemoveWindowValue(ctx context.Context, windowID int, key string) error {
	return r.s.Call(ctx, "sessions.removeValue", valueParams{Scope: "window", ID: windowID, Key: key}, nil)
}

// ---- sinks ----

// Notify is best effort.
func (r *Remote) Notify(ctx context.Context, n browser.Notification) {
	if err := r.s.Cast(ctx, "notify", n); err != nil {
		applog.Error("remote.notify", err, "id", n.ID)
	}
}

func (r *Remote) SetLoading(ctx context.Context, windowID int, loading bool) {
	r.cast(ctx, "ui.setLoading", map[string]any{"windowId": windowID, "loading": loading})
}

func (r *Remote) SetError(ctx context.Context, windowID int, message string) {
	r.cast(ctx, "ui.setError", map[string]any{"windowId": windowID, "message": message})
}

func (r *Remote) SetActiveGroup(ctx context.Context, windowID int, g *types.Group) {
	params := map[string]any{"windowId": windowID}
	if g != nil {
		params["title"] = g.Title
		params["iconColor"] = g.IconColor
		params["iconUrl"] = g.IconURL
	}
	r.cast(ctx, "ui.setActiveGroup", params)
}

func (r *Remote) SetNavigationIntercept(ctx context.Context, enabled bool) error {
	return r.s.Call(ctx, "navigation.intercept", map[string]bool{"enabled": enabled}, nil)
}

// Publish sends event to the extension's own pages and to every external
// extension subscribed to it.
func (r *Remote) Publish(ctx context.Context, event string, payload any) {
	var to []string
	if r.recipients != nil {
		to = r.recipients(event)
	}
	r.cast(ctx, "publish", map[string]any{
		"event":      event,
		"payload":    payload,
		"recipients": to,
	})
}

func (r *Remote) cast(ctx context.Context, action string, params any) {
	if err := r.s.Cast(ctx, action, params); err != nil {
		applog.Error("remote.cast", err, "action", action)
	}
}

// Windows returns the window manager view.
func (r *Remote) Windows() browser.Windows { return windowsView{r.s} }

// Containers returns the identity container view.
func (r *Remote) Containers() browser.Containers { return containersView{r.s} }

// Reloader returns the extension reloader view.
func (r *Remote) Reloader() browser.Reloader { return reloaderView{r.s} }

type windowsView struct{ s *Server }

func (v windowsView) GetAll(ctx context.Context) ([]types.Window, error) {
	var out []types.Window
	err := v.s.Call(ctx, "windows.getAll", nil, &out)
	return out, err
}

func (v windowsView) Get(ctx context.Context, windowID int) (types.Window, error) {
	var w types.Window
	err := v.s.Call(ctx, "windows.get", map[string]int{"windowId": windowID}, &w)
	return w, err
}

func (v windowsView) LastFocused(ctx context.Context) (types.Window, error) {
	var w types.Window
	err := v.s.Call(ctx, "windows.getLastFocused", nil, &w)
	return w, err
}

func (v windowsView) Create(ctx context.Context) (types.Window, error) {
	var w types.Window
	err := v.s.Call(ctx, "windows.create", nil, &w)
	return w, err
}

func (v windowsView) Focus(ctx context.Context, windowID int) error {
	return v.s.Call(ctx, "windows.focus", map[string]int{"windowId": windowID}, nil)
}

type containersView struct{ s *Server }

func (v containersView) Query(ctx context.Context) ([]types.Container, error) {
	var out []types.Container
	err := v.s.Call(ctx, "containers.query", nil, &out)
	return out, err
}

func (v containersView) Create(ctx context.Context, c types.Container) (types.Container, error) {
	var out types.Container
	err := v.s.Call(ctx, "containers.create", c, &out)
	return out, err
}

func (v containersView) CreateTemporary(ctx context.Context) (types.Container, error) {
	var out types.Container
	err := v.s.Call(ctx, "containers.createTemporary", nil, &out)
	return out, err
}

type reloaderView struct{ s *Server }

func (v reloaderView) Reload(ctx context.Context, reason string) error {
	return v.s.Call(ctx, "runtime.reload", map[string]string{"reason": reason}, nil)
}
