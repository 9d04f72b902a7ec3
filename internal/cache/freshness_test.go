package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"glance/internal/widget"
)

func intPtr(v int) *int { return &v }

func TestClassify(t *testing.T) {
	cc := widget.CacheConfig{TTLSeconds: 300, MaxStalenessSeconds: intPtr(900)}

	tests := []struct {
		age  time.Duration
		want Freshness
	}{
		{0, Fresh},
		{200 * time.Second, Fresh},
		{300 * time.Second, Fresh},
		{301 * time.Second, Stale},
		{400 * time.Second, Stale},
		{900 * time.Second, Stale},
		{1000 * time.Second, Expired},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.age, cc), "age %s", tt.age)
	}
}

func TestClassify_DefaultStaleness(t *testing.T) {
	cc := widget.CacheConfig{TTLSeconds: 100}

	assert.Equal(t, Stale, Classify(300*time.Second, cc))
	assert.Equal(t, Expired, Classify(301*time.Second, cc))
}

func TestClassify_StalenessBelowTTL(t *testing.T) {
	cc := widget.CacheConfig{TTLSeconds: 100, MaxStalenessSeconds: intPtr(10)}

	assert.Equal(t, Fresh, Classify(100*time.Second, cc))
	assert.Equal(t, Expired, Classify(101*time.Second, cc))
}

func TestStaleWarning(t *testing.T) {
	msg := StaleWarning(400*time.Second, widget.CacheConfig{TTLSeconds: 300})
	assert.Contains(t, msg, "6m40s")
	assert.Contains(t, msg, "5m0s")
}
