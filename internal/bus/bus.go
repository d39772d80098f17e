// Package bus is the request/response surface the extension's own pages and
// whitelisted external extensions talk to. Every request gets a Response;
// failures never escape as panics.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrForbidden     = errors.New("action not permitted")
	ErrBadRequest    = errors.New("bad request")
)

// Actions.
const (
	ActionAreYouHere         = "are-you-here"
	ActionGetGroupsList      = "get-groups-list"
	ActionLoadNextGroup      = "load-next-group"
	ActionLoadPrevGroup      = "load-prev-group"
	ActionLoadHistoryNext    = "load-history-next-group"
	ActionLoadHistoryPrev    = "load-history-prev-group"
	ActionLoadCustomGroup    = "load-custom-group"
	ActionAddNewGroup        = "add-new-group"
	ActionRenameGroup        = "rename-group"
	ActionMoveSelectedTabs   = "move-selected-tabs-to-custom-group"
	ActionMoveActiveTab      = "move-active-tab-to-custom-group"
	ActionDiscardGroup       = "discard-group"
	ActionDiscardOtherGroups = "discard-other-groups"
	ActionReloadCurrentGroup = "reload-all-tabs-in-current-group"
	ActionDeleteGroup        = "delete-group"
	ActionDeleteCurrentGroup = "delete-current-group"
	ActionArchiveGroup       = "archive-group"
	ActionUnarchiveGroup     = "unarchive-group"
	ActionUndoRemoveGroup    = "undo-remove-group"
	ActionSortGroups         = "sort-groups"
)

// Message is one inbound request. Sender is the calling extension's id and
// empty for the extension's own pages.
type Message struct {
	Action   string `json:"action"`
	Sender   string `json:"sender,omitempty"`
	WindowID int    `json:"windowId,omitempty"`
	GroupID  int    `json:"groupId,omitempty"`
	TabID    int    `json:"tabId,omitempty"`
	TabIDs   []int  `json:"tabIds,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Response answers a Message.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// GroupSummary is a group as external callers see it.
type GroupSummary struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	IconColor string `json:"iconColor,omitempty"`
	IconURL   string `json:"iconUrl,omitempty"`
	Tabs      int    `json:"tabsCount"`
	Archived  bool   `json:"isArchive,omitempty"`
	Sticky    bool   `json:"isSticky,omitempty"`
	WindowID  int    `json:"windowId,omitempty"`
}

// Permission is what one external extension may do.
type Permission struct {
	Emits            []string `json:"emits"`
	PermittedActions []string `json:"permittedActions"`
}

// Whitelist maps external extension ids to their permissions.
type Whitelist map[string]Permission

// LoadWhitelist reads a whitelist JSON file. A missing file is an empty list.
func LoadWhitelist(path string) (Whitelist, error) {
	if path == "" {
		return Whitelist{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Whitelist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	var wl Whitelist
	if err := json.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}
	return wl, nil
}

// Permits reports whether sender may call action.
func (wl Whitelist) Permits(sender, action string) bool {
	if sender == "" {
		return true
	}
	p, ok := wl[sender]
	if !ok {
		return false
	}
	return action == ActionAreYouHere || slices.Contains(p.PermittedActions, action)
}

// Recipients returns the external extensions subscribed to event, sorted.
func (wl Whitelist) Recipients(event string) []string {
	var out []string
	for id, p := range wl {
		if slices.Contains(p.Emits, event) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Deps are the collaborators of the Bus.
type Deps struct {
	Engine    *engine.Engine
	Groups    *groups.Store
	Cache     *cache.Cache
	Tabs      browser.Tabs
	Windows   browser.Windows
	Whitelist Whitelist
}

// Bus dispatches messages to the engine.
type Bus struct {
	engine    *engine.Engine
	groups    *groups.Store
	cache     *cache.Cache
	tabs      browser.Tabs
	windows   browser.Windows
	whitelist Whitelist
}

// New creates a Bus.
func New(d Deps) *Bus {
	wl := d.Whitelist
	if wl == nil {
		wl = Whitelist{}
	}
	return &Bus{
		engine:    d.Engine,
		groups:    d.Groups,
		cache:     d.Cache,
		tabs:      d.Tabs,
		windows:   d.Windows,
		whitelist: wl,
	}
}

// Whitelist returns the external extension permissions.
func (b *Bus) Whitelist() Whitelist { return b.whitelist }

type handler func(ctx context.Context, msg Message) (any, error)

func (b *Bus) handlers() map[string]handler {
	return map[string]handler{
		ActionAreYouHere:         func(context.Context, Message) (any, error) { return true, nil },
		ActionGetGroupsList:      b.groupsList,
		ActionLoadNextGroup:      b.inWindow(b.engine.LoadNextGroup),
		ActionLoadPrevGroup:      b.inWindow(b.engine.LoadPrevGroup),
		ActionLoadHistoryNext:    b.inWindow(func(ctx context.Context, w int) error { return b.engine.LoadHistory(ctx, w, 1) }),
		ActionLoadHistoryPrev:    b.inWindow(func(ctx context.Context, w int) error { return b.engine.LoadHistory(ctx, w, -1) }),
		ActionLoadCustomGroup:    b.loadCustom,
		ActionAddNewGroup:        b.addGroup,
		ActionRenameGroup:        b.rename,
		ActionMoveSelectedTabs:   b.moveSelected,
		ActionMoveActiveTab:      b.moveActive,
		ActionDiscardGroup:       b.onGroup(b.engine.DiscardGroup),
		ActionDiscardOtherGroups: func(ctx context.Context, _ Message) (any, error) { return nil, b.engine.DiscardOtherGroups(ctx) },
		ActionReloadCurrentGroup: b.onCurrentGroup(b.engine.ReloadGroup),
		ActionDeleteGroup:        b.onGroup(b.engine.RemoveGroup),
		ActionDeleteCurrentGroup: b.onCurrentGroup(b.engine.RemoveGroup),
		ActionArchiveGroup:       b.onGroup(b.engine.ArchiveGroup),
		ActionUnarchiveGroup:     b.onGroup(b.engine.UnarchiveGroup),
		ActionUndoRemoveGroup:    b.undo,
		ActionSortGroups:         func(ctx context.Context, _ Message) (any, error) { return nil, b.groups.Sort(ctx) },
	}
}

// Dispatch runs one message and answers it.
func (b *Bus) Dispatch(ctx context.Context, msg Message) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			applog.Error("bus.panic", fmt.Errorf("%v", r), "action", msg.Action)
			resp = Response{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	applog.Info("bus.dispatch", "action", msg.Action, "sender", msg.Sender)
	h, ok := b.handlers()[msg.Action]
	if !ok {
		return failure(fmt.Errorf("%q: %w", msg.Action, ErrUnknownAction))
	}
	if !b.whitelist.Permits(msg.Sender, msg.Action) {
		applog.Info("bus.forbidden", "action", msg.Action, "sender", msg.Sender)
		return failure(fmt.Errorf("%s from %q: %w", msg.Action, msg.Sender, ErrForbidden))
	}
	data, err := h(ctx, msg)
	if err != nil {
		applog.Error("bus.failed", err, "action", msg.Action)
		return failure(err)
	}
	return Response{OK: true, Data: data}
}

func failure(err error) Response {
	return Response{Error: err.Error()}
}

func (b *Bus) window(ctx context.Context, msg Message) (int, error) {
	if msg.WindowID != 0 {
		return msg.WindowID, nil
	}
	w, err := b.windows.LastFocused(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve window: %w", err)
	}
	return w.ID, nil
}

func (b *Bus) inWindow(fn func(ctx context.Context, windowID int) error) handler {
	return func(ctx context.Context, msg Message) (any, error) {
		w, err := b.window(ctx, msg)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, w)
	}
}

func (b *Bus) onGroup(fn func(ctx context.Context, groupID int) error) handler {
	return func(ctx context.Context, msg Message) (any, error) {
		if msg.GroupID == 0 {
			return nil, fmt.Errorf("%s needs groupId: %w", msg.Action, ErrBadRequest)
		}
		return nil, fn(ctx, msg.GroupID)
	}
}

func (b *Bus) onCurrentGroup(fn func(ctx context.Context, groupID int) error) handler {
	return func(ctx context.Context, msg Message) (any, error) {
		w, err := b.window(ctx, msg)
		if err != nil {
			return nil, err
		}
		gid := b.cache.WindowGroupID(w)
		if gid == 0 {
			return nil, fmt.Errorf("window %d shows no group: %w", w, ErrBadRequest)
		}
		return nil, fn(ctx, gid)
	}
}

func (b *Bus) groupsList(ctx context.Context, _ Message) (any, error) {
	v, err := b.groups.Load(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	out := make([]GroupSummary, 0, len(v.Groups))
	for _, g := range v.Groups {
		s := summary(g)
		s.WindowID = b.cache.GroupWindowID(g.ID)
		out = append(out, s)
	}
	return out, nil
}

func (b *Bus) loadCustom(ctx context.Context, msg Message) (any, error) {
	if msg.GroupID == 0 {
		return nil, fmt.Errorf("load-custom-group needs groupId: %w", ErrBadRequest)
	}
	w, err := b.window(ctx, msg)
	if err != nil {
		return nil, err
	}
	return nil, b.engine.ApplyGroup(ctx, w, msg.GroupID, msg.TabID)
}

func (b *Bus) addGroup(ctx context.Context, msg Message) (any, error) {
	return b.engine.AddGroup(ctx, msg.Title, msg.TabIDs)
}

func (b *Bus) rename(ctx context.Context, msg Message) (any, error) {
	if msg.GroupID == 0 {
		return nil, fmt.Errorf("rename-group needs groupId: %w", ErrBadRequest)
	}
	return b.engine.RenameGroup(ctx, msg.GroupID, msg.Title)
}

// moveSelected moves tabs into groupId, or into a new group titled Title
// when no group is given.
func (b *Bus) moveSelected(ctx context.Context, msg Message) (any, error) {
	if len(msg.TabIDs) == 0 {
		return nil, fmt.Errorf("move needs tabIds: %w", ErrBadRequest)
	}
	return b.moveTo(ctx, msg, msg.TabIDs)
}

func (b *Bus) moveActive(ctx context.Context, msg Message) (any, error) {
	w, err := b.window(ctx, msg)
	if err != nil {
		return nil, err
	}
	active, err := b.tabs.Query(ctx, browser.TabQuery{WindowID: w, Active: browser.Bool(true)})
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("window %d has no active tab: %w", w, ErrBadRequest)
	}
	return b.moveTo(ctx, msg, []int{active[0].ID})
}

func (b *Bus) moveTo(ctx context.Context, msg Message, ids []int) (any, error) {
	gid := msg.GroupID
	if gid == 0 {
		g, err := b.groups.Add(ctx, msg.Title, nil)
		if err != nil {
			return nil, err
		}
		gid = g.ID
	}
	moved, err := b.engine.MoveTabs(ctx, ids, gid, tabs.MoveOptions{Notify: true})
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(moved))
	for _, t := range moved {
		out = append(out, t.ID)
	}
	return map[string]any{"groupId": gid, "tabIds": out}, nil
}

func (b *Bus) undo(ctx context.Context, msg Message) (any, error) {
	if msg.GroupID == 0 {
		return nil, fmt.Errorf("undo-remove-group needs groupId: %w", ErrBadRequest)
	}
	g, err := b.engine.UndoRemove(ctx, msg.GroupID)
	if err != nil {
		return nil, err
	}
	return summary(g), nil
}

func summary(g types.Group) GroupSummary {
	return GroupSummary{
		ID:        g.ID,
		Title:     g.Title,
		IconColor: g.IconColor,
		IconURL:   g.IconURL,
		Tabs:      len(g.Tabs),
		Archived:  g.IsArchive,
		Sticky:    g.IsSticky,
	}
}
