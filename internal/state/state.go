// Package state owns the persisted document: the groups list, the group id
// counter, options and the restore backlog, stored as separate keys of the
// local key/value store and upgraded by a linear migration chain.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/types"
)

const (
	keyVersion      = "version"
	keyGroups       = "groups"
	keyCounter      = "lastCreatedGroupPosition"
	keyOptions      = "options"
	keyBacklog      = "tabsToRestore"
	keyReloadMarker = "reloadMarker"
)

var documentKeys = []string{keyVersion, keyGroups, keyCounter, keyOptions, keyBacklog}

// ErrStorageUnavailable is returned when reads keep failing past the retry budget.
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	defaultRetries    = 5
	defaultRetryDelay = 200 * time.Millisecond
)

// Store reads and writes the persisted document.
type Store struct {
	kv         browser.KV
	retries    int
	retryDelay time.Duration

	counterMu sync.Mutex

	mu         sync.Mutex
	lastGroups []byte
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets how often and how far apart failed reads are retried.
func WithRetry(retries int, delay time.Duration) Option {
	return func(s *Store) {
		s.retries = retries
		s.retryDelay = delay
	}
}

// New creates a Store over kv.
func New(kv browser.KV, opts ...Option) *Store {
	s := &Store{kv: kv, retries: defaultRetries, retryDelay: defaultRetryDelay}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init brings the stored document to CurrentVersion. A fresh store gets the
// default document. Returns whether any migration ran.
func (s *Store) Init(ctx context.Context) (bool, error) {
	keys := append(append([]string(nil), documentKeys...), ObsoleteKeys()...)
	raw, err := s.read(ctx, keys...)
	if err != nil {
		return false, err
	}

	if len(raw) == 0 {
		applog.Info("state.init.fresh", "version", CurrentVersion)
		opts, _ := json.Marshal(types.DefaultOptions())
		return false, s.kv.Set(ctx, map[string][]byte{
			keyVersion: []byte(strconv.Quote(CurrentVersion.String())),
			keyGroups:  []byte("[]"),
			keyCounter: []byte("0"),
			keyOptions: opts,
			keyBacklog: []byte("[]"),
		})
	}

	stored := MustVersion("1.0.0")
	if v, ok := raw[keyVersion]; ok {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return false, fmt.Errorf("decode version: %w", err)
		}
		if stored, err = ParseVersion(str); err != nil {
			return false, err
		}
	}
	if !stored.Less(CurrentVersion) {
		return false, nil
	}

	data := make(Data, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return false, fmt.Errorf("decode %q: %w", k, err)
		}
		data[k] = decoded
	}

	removed, err := Migrate(data, stored)
	if err != nil {
		return false, err
	}

	out := make(map[string][]byte, len(data))
	for k, v := range data {
		b, err := json.Marshal(v)
		if err != nil {
			return false, fmt.Errorf("encode %q: %w", k, err)
		}
		out[k] = b
	}
	if err := s.kv.Set(ctx, out); err != nil {
		return false, fmt.Errorf("write migrated document: %w", err)
	}
	if len(removed) > 0 {
		if err := s.kv.Remove(ctx, removed...); err != nil {
			return false, fmt.Errorf("remove obsolete keys: %w", err)
		}
	}
	applog.Info("state.migrated", "from", stored, "to", CurrentVersion, "removed", len(removed))
	return true, nil
}

// Groups returns the persisted groups in their stored order.
func (s *Store) Groups(ctx context.Context) ([]types.Group, error) {
	raw, err := s.read(ctx, keyGroups)
	if err != nil {
		return nil, err
	}
	b, ok := raw[keyGroups]
	if !ok {
		return nil, nil
	}
	var groups []types.Group
	if err := json.Unmarshal(b, &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	s.mu.Lock()
	s.lastGroups = b
	s.mu.Unlock()
	return groups, nil
}

// PutGroups replaces the whole groups list. Writing a list whose encoding is
// identical to the stored one is a no-op; the result reports whether
// anything was written.
func (s *Store) PutGroups(ctx context.Context, groups []types.Group) (bool, error) {
	b, err := EncodeGroups(groups)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	last := s.lastGroups
	s.mu.Unlock()
	if last == nil {
		raw, err := s.read(ctx, keyGroups)
		if err != nil {
			return false, err
		}
		last = raw[keyGroups]
	}
	if bytes.Equal(last, b) {
		return false, nil
	}

	if err := s.kv.Set(ctx, map[string][]byte{keyGroups: b}); err != nil {
		return false, fmt.Errorf("write groups: %w", err)
	}
	s.mu.Lock()
	s.lastGroups = b
	s.mu.Unlock()
	return true, nil
}

// EncodeGroups is the canonical encoding of a groups list.
func EncodeGroups(groups []types.Group) ([]byte, error) {
	if groups == nil {
		groups = []types.Group{}
	}
	for i := range groups {
		if groups[i].Tabs == nil {
			groups[i].Tabs = []types.TabRecord{}
		}
	}
	b, err := json.Marshal(groups)
	if err != nil {
		return nil, fmt.Errorf("encode groups: %w", err)
	}
	return b, nil
}

// NextGroupID increments and persists the group counter before returning
// the new id, so a crash after this call can skip an id but never reuse one.
func (s *Store) NextGroupID(ctx context.Context) (int, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	raw, err := s.read(ctx, keyCounter)
	if err != nil {
		return 0, err
	}
	var n int
	if b, ok := raw[keyCounter]; ok {
		if err := json.Unmarshal(b, &n); err != nil {
			return 0, fmt.Errorf("decode counter: %w", err)
		}
	}
	n++
	if err := s.kv.Set(ctx, map[string][]byte{keyCounter: []byte(strconv.Itoa(n))}); err != nil {
		return 0, fmt.Errorf("write counter: %w", err)
	}
	return n, nil
}

// Options returns the stored options, or the defaults.
func (s *Store) Options(ctx context.Context) (types.Options, error) {
	opts := types.DefaultOptions()
	raw, err := s.read(ctx, keyOptions)
	if err != nil {
		return opts, err
	}
	if b, ok := raw[keyOptions]; ok {
		if err := json.Unmarshal(b, &opts); err != nil {
			return opts, fmt.Errorf("decode options: %w", err)
		}
	}
	return opts, nil
}

// PutOptions stores the options.
func (s *Store) PutOptions(ctx context.Context, opts types.Options) error {
	return s.putJSON(ctx, keyOptions, opts)
}

// Backlog returns the tabs awaiting re-creation.
func (s *Store) Backlog(ctx context.Context) ([]types.TabRecord, error) {
	raw, err := s.read(ctx, keyBacklog)
	if err != nil {
		return nil, err
	}
	var recs []types.TabRecord
	if b, ok := raw[keyBacklog]; ok {
		if err := json.Unmarshal(b, &recs); err != nil {
			return nil, fmt.Errorf("decode backlog: %w", err)
		}
	}
	return recs, nil
}

// PutBacklog replaces the restore backlog.
func (s *Store) PutBacklog(ctx context.Context, recs []types.TabRecord) error {
	if recs == nil {
		recs = []types.TabRecord{}
	}
	return s.putJSON(ctx, keyBacklog, recs)
}

// ReloadMarker returns the reason of the last forced reload, if any.
func (s *Store) ReloadMarker(ctx context.Context) (string, error) {
	raw, err := s.read(ctx, keyReloadMarker)
	if err != nil {
		return "", err
	}
	var reason string
	if b, ok := raw[keyReloadMarker]; ok {
		if err := json.Unmarshal(b, &reason); err != nil {
			return "", fmt.Errorf("decode reload marker: %w", err)
		}
	}
	return reason, nil
}

// SetReloadMarker records that the extension is about to restart itself.
func (s *Store) SetReloadMarker(ctx context.Context, reason string) error {
	return s.putJSON(ctx, keyReloadMarker, reason)
}

// ClearReloadMarker drops the reload marker.
func (s *Store) ClearReloadMarker(ctx context.Context) error {
	return s.kv.Remove(ctx, keyReloadMarker)
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, map[string][]byte{key: b}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// read retries failed reads with a fixed delay and gives up with
// ErrStorageUnavailable once the budget is spent.
func (s *Store) read(ctx context.Context, keys ...string) (map[string][]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		raw, err := s.kv.Get(ctx, keys...)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		applog.Error("state.read", err, "attempt", attempt+1, "keys", keys)
	}
	return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}
