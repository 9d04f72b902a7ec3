package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"glance/internal/storage"
	"glance/internal/widget"
)

// PendingKeyPrefix namespaces refresh requests in the key-value store.
const PendingKeyPrefix = "refresh_pending:"

// GlobalSource is the source used when a refresh is not tied to one widget.
const GlobalSource = "global"

// KV is the subset of the key-value store used by PendingQueue.
type KV interface {
	KVSetJSON(key string, v any, ttl time.Duration) error
	KVGetJSON(key string, v any) error
	KVDelete(key string) error
	KVList(prefix string) (map[string]string, error)
}

// PendingQueue records agent refresh requests. A request exists until the
// agent clears it; absence means nothing is pending.
type PendingQueue struct {
	kv  KV
	now func() time.Time

	mu        sync.RWMutex
	listeners []func(widget.PendingRefresh)
}

// NewPendingQueue creates a queue on kv.
func NewPendingQueue(kv KV) *PendingQueue {
	return &PendingQueue{kv: kv, now: time.Now}
}

// OnRequest registers fn to be called after every successful Request.
func (q *PendingQueue) OnRequest(fn func(widget.PendingRefresh)) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// Request raises a refresh request for source. Repeating it before the agent
// clears the request only moves the timestamp.
func (q *PendingQueue) Request(source string) (widget.PendingRefresh, error) {
	if source == "" {
		source = GlobalSource
	}
	req := widget.PendingRefresh{Source: source, RequestedAt: q.now().UTC()}
	if err := q.kv.KVSetJSON(PendingKeyPrefix+source, req, 0); err != nil {
		return req, err
	}

	q.mu.RLock()
	listeners := q.listeners
	q.mu.RUnlock()
	for _, fn := range listeners {
		fn(req)
	}
	return req, nil
}

// Get returns the pending request for source, or nil.
func (q *PendingQueue) Get(source string) (*widget.PendingRefresh, error) {
	if source == "" {
		source = GlobalSource
	}
	var req widget.PendingRefresh
	err := q.kv.KVGetJSON(PendingKeyPrefix+source, &req)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Clear removes the request for source. Clearing an absent request is not an
// error.
func (q *PendingQueue) Clear(source string) error {
	if source == "" {
		source = GlobalSource
	}
	err := q.kv.KVDelete(PendingKeyPrefix + source)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// List returns every pending request, oldest first.
func (q *PendingQueue) List() ([]widget.PendingRefresh, error) {
	raw, err := q.kv.KVList(PendingKeyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]widget.PendingRefresh, 0, len(raw))
	for key, value := range raw {
		var req widget.PendingRefresh
		if err := json.Unmarshal([]byte(value), &req); err != nil {
			continue
		}
		if req.Source == "" {
			req.Source = strings.TrimPrefix(key, PendingKeyPrefix)
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].Source < out[j].Source
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

// WidgetSource is the queue source for a refresh of one widget definition.
func WidgetSource(slug string) string {
	return "widget:" + slug
}

// ScheduleSource is the queue source used by scheduled refreshes.
func ScheduleSource(slug string) string {
	return "schedule:" + slug
}
