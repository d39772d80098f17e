package types

import "strings"

// DefaultCookieStoreID is the cookie store of tabs outside any container.
const DefaultCookieStoreID = "firefox-default"

// TemporaryContainer is a container policy value meaning "create a fresh
// temporary container for every new tab".
const TemporaryContainer = "temporary-container"

// NewTabURL is the URL of the browser's empty new-tab page.
const NewTabURL = "about:newtab"

// IsBlankURL reports whether url is one of the browser's empty pages.
func IsBlankURL(url string) bool {
	switch url {
	case "", "about:blank", "about:newtab", "about:home":
		return true
	}
	return false
}

// Sharing describes the capture devices a tab is currently using.
type Sharing struct {
	Camera     bool   `json:"camera"`
	Microphone bool   `json:"microphone"`
	Screen     string `json:"screen,omitempty"`
}

// Tab is a live browser tab.
type Tab struct {
	ID            int     `json:"id"`
	WindowID      int     `json:"windowId"`
	Index         int     `json:"index"`
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Status        string  `json:"status,omitempty"` // "loading" or "complete"
	FavIconURL    string  `json:"favIconUrl,omitempty"`
	CookieStoreID string  `json:"cookieStoreId,omitempty"`
	OpenerTabID   int     `json:"openerTabId,omitempty"`
	Active        bool    `json:"active"`
	Hidden        bool    `json:"hidden"`
	Pinned        bool    `json:"pinned"`
	Discarded     bool    `json:"discarded"`
	Audible       bool    `json:"audible"`
	Muted         bool    `json:"muted"`
	Sharing       Sharing `json:"sharingState"`
	LastAccessed  int64   `json:"lastAccessed"`

	// Extension-owned metadata, filled from the session cache.
	GroupID   int    `json:"groupId,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// IsSharing reports whether the tab is capturing camera, microphone or screen.
func (t Tab) IsSharing() bool {
	return t.Sharing.Camera || t.Sharing.Microphone || t.Sharing.Screen != ""
}

// CanHide reports whether the browser allows hiding the tab.
func (t Tab) CanHide() bool {
	return !t.Pinned && !t.IsSharing()
}

// Container returns the tab's cookie store, defaulting to the no-container store.
func (t Tab) Container() string {
	if t.CookieStoreID == "" {
		return DefaultCookieStoreID
	}
	return t.CookieStoreID
}

// IsBlank reports whether the tab shows an empty page and is not loading anything.
func (t Tab) IsBlank() bool {
	return IsBlankURL(t.URL) && t.Status != "loading"
}

// Record converts a live tab into its persisted form.
func (t Tab) Record() TabRecord {
	return TabRecord{
		ID:            t.ID,
		URL:           t.URL,
		Title:         t.Title,
		CookieStoreID: t.CookieStoreID,
		FavIconURL:    t.FavIconURL,
		Thumbnail:     t.Thumbnail,
		LastAccessed:  t.LastAccessed,
		Active:        t.Active,
	}
}

// TabRecord is the persisted form of a tab. ID is 0 while the tab has not
// been materialized in the browser.
type TabRecord struct {
	ID            int    `json:"id,omitempty"`
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	CookieStoreID string `json:"cookieStoreId,omitempty"`
	FavIconURL    string `json:"favIconUrl,omitempty"`
	Thumbnail     string `json:"thumbnail,omitempty"`
	LastAccessed  int64  `json:"lastAccessed,omitempty"`
	Active        bool   `json:"active,omitempty"`
	GroupID       int    `json:"groupId,omitempty"` // restore backlog only
}

// Pending reports whether the record still awaits creation.
func (r TabRecord) Pending() bool {
	return r.ID == 0
}

// Container returns the record's cookie store, defaulting to the no-container store.
func (r TabRecord) Container() string {
	if r.CookieStoreID == "" {
		return DefaultCookieStoreID
	}
	return r.CookieStoreID
}

// Group is a named, switchable set of tabs.
type Group struct {
	ID           int         `json:"id"`
	Title        string      `json:"title"`
	IconColor    string      `json:"iconColor,omitempty"`
	IconURL      string      `json:"iconUrl,omitempty"`
	IconViewType string      `json:"iconViewType,omitempty"`
	Tabs         []TabRecord `json:"tabs"`

	IsArchive bool `json:"isArchive,omitempty"`
	IsSticky  bool `json:"isSticky,omitempty"`

	CatchTabRules                  string   `json:"catchTabRules,omitempty"`
	CatchTabContainers             []string `json:"catchTabContainers,omitempty"`
	NewTabContainer                string   `json:"newTabContainer,omitempty"`
	IfDifferentContainerReOpen     bool     `json:"ifDifferentContainerReOpen,omitempty"`
	ExcludeContainersForReOpen     []string `json:"excludeContainersForReOpen,omitempty"`
	MoveToGroupIfNoneCatchTabRules int      `json:"moveToGroupIfNoneCatchTabRules,omitempty"`

	MuteTabsWhenGroupCloseAndRestoreWhenOpen bool `json:"muteTabsWhenGroupCloseAndRestoreWhenOpen,omitempty"`
	DiscardTabsAfterHide                     bool `json:"discardTabsAfterHide,omitempty"`
	DiscardExcludeAudioTabs                  bool `json:"discardExcludeAudioTabs,omitempty"`
}

// HasCatchRules reports whether the group routes tabs by URL or container.
func (g *Group) HasCatchRules() bool {
	return strings.TrimSpace(g.CatchTabRules) != "" || len(g.CatchTabContainers) > 0
}

// ContainerPolicy returns the container new tabs of the group must use, or
// "" when the group accepts any container.
func (g *Group) ContainerPolicy() string {
	if g.NewTabContainer == "" || g.NewTabContainer == DefaultCookieStoreID {
		return ""
	}
	return g.NewTabContainer
}

// NeedsReopen reports whether a tab in cookieStoreID must be recreated to
// satisfy the group's container policy.
func (g *Group) NeedsReopen(cookieStoreID string) bool {
	policy := g.ContainerPolicy()
	if policy == "" || !g.IfDifferentContainerReOpen {
		return false
	}
	if cookieStoreID == "" {
		cookieStoreID = DefaultCookieStoreID
	}
	if cookieStoreID == policy {
		return false
	}
	if policy == TemporaryContainer && strings.HasPrefix(cookieStoreID, "firefox-container-tmp-") {
		return false
	}
	for _, c := range g.ExcludeContainersForReOpen {
		if c == cookieStoreID {
			return false
		}
	}
	return true
}

// CatchesContainer reports whether the group claims tabs of cookieStoreID.
func (g *Group) CatchesContainer(cookieStoreID string) bool {
	for _, c := range g.CatchTabContainers {
		if c == cookieStoreID {
			return true
		}
	}
	return false
}

// Window is a browser window.
type Window struct {
	ID        int    `json:"id"`
	Focused   bool   `json:"focused"`
	Incognito bool   `json:"incognito"`
	Type      string `json:"type,omitempty"` // "normal", "popup", ...

	// GroupID is the group loaded in the window, from the session cache.
	GroupID int `json:"groupId,omitempty"`
}

// IsNormal reports whether the window can host groups.
func (w Window) IsNormal() bool {
	return !w.Incognito && (w.Type == "" || w.Type == "normal")
}

// Container is an identity container (isolated cookie store).
type Container struct {
	CookieStoreID string `json:"cookieStoreId"`
	Name          string `json:"name"`
	Color         string `json:"color,omitempty"`
	Icon          string `json:"icon,omitempty"`
	Temporary     bool   `json:"temporary,omitempty"`
}

// Options holds the user's global settings.
type Options struct {
	CreateThumbnailsForTabs         bool   `json:"createThumbnailsForTabs"`
	ShowNotificationAfterMovingTabs bool   `json:"showNotificationAfterMovingTabs"`
	DiscardTabsAfterHide            bool   `json:"discardTabsAfterHide"`
	DefaultGroupIconColor           string `json:"defaultGroupIconColor,omitempty"`
	DefaultGroupIconViewType        string `json:"defaultGroupIconViewType,omitempty"`
	DefaultGroupTitle               string `json:"defaultGroupTitle,omitempty"`
}

// DefaultOptions returns the settings of a fresh installation.
func DefaultOptions() Options {
	return Options{
		CreateThumbnailsForTabs:         true,
		ShowNotificationAfterMovingTabs: true,
		DefaultGroupIconColor:           "blue",
		DefaultGroupIconViewType:        "main-squares",
		DefaultGroupTitle:               "Group %d",
	}
}
