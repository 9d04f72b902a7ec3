package widget

import (
	"encoding/json"
	"time"
)

// CachedData is the cached payload of one widget instance. Entries are only
// ever replaced whole.
type CachedData struct {
	WidgetInstanceID string          `json:"widget_instance_id"`
	CustomWidgetID   string          `json:"custom_widget_id"`
	Data             json.RawMessage `json:"data"`
	FetchedAt        time.Time       `json:"fetched_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Age returns how old the entry is at now.
func (c *CachedData) Age(now time.Time) time.Duration {
	return now.Sub(c.FetchedAt)
}

// Value decodes Data into a generic JSON value.
func (c *CachedData) Value() (any, error) {
	if len(c.Data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(c.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// PendingRefresh records that fresh agent data was requested for a source.
type PendingRefresh struct {
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}
