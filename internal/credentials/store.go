// Package credentials resolves widget secrets from configuration, the
// environment and the key-value store.
package credentials

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"glance/internal/storage"
	"glance/internal/widget"
)

const (
	// EnvPrefix prefixes environment variables holding credentials, e.g.
	// GLANCE_CREDENTIAL_GITHUB_TOKEN for id "github-token".
	EnvPrefix = "GLANCE_CREDENTIAL_"
	// KeyPrefix namespaces stored credentials in the key-value store.
	KeyPrefix = "credential:"
)

// Sources a credential can be resolved from.
const (
	SourceConfig = "config"
	SourceEnv    = "env"
	SourceStore  = "store"
)

// KV is the subset of the key-value store used for stored credentials.
type KV interface {
	KVSet(key, value string, ttl time.Duration) error
	KVGet(key string) (string, error)
	KVDelete(key string) error
	KVList(prefix string) (map[string]string, error)
}

// Store resolves credentials by id. Lookup order is stored values, then
// configuration, then the environment.
type Store struct {
	mu     sync.RWMutex
	static map[string]string
	kv     KV
	getenv func(string) string
}

// NewStore creates a store. static comes from configuration; kv may be nil.
func NewStore(static map[string]string, kv KV) *Store {
	s := &Store{static: make(map[string]string, len(static)), kv: kv, getenv: os.Getenv}
	for id, v := range static {
		s.static[id] = v
	}
	return s
}

// Resolve implements hostapi.CredentialResolver.
func (s *Store) Resolve(_ context.Context, id string) (string, bool) {
	v, _, ok := s.lookup(id)
	return v, ok
}

// Set stores a credential value. It requires a key-value store.
func (s *Store) Set(id, value string) error {
	if s.kv == nil {
		return errors.New("credentials: no persistent store configured")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("credentials: id is required")
	}
	return s.kv.KVSet(KeyPrefix+id, value, 0)
}

// Delete removes a stored credential. Configured and environment values are
// not affected.
func (s *Store) Delete(id string) error {
	if s.kv == nil {
		return storage.ErrNotFound
	}
	return s.kv.KVDelete(KeyPrefix + id)
}

// IDs lists the ids of stored and configured credentials.
func (s *Store) IDs() ([]string, error) {
	seen := map[string]bool{}
	s.mu.RLock()
	for id := range s.static {
		seen[id] = true
	}
	s.mu.RUnlock()

	if s.kv != nil {
		stored, err := s.kv.KVList(KeyPrefix)
		if err != nil {
			return nil, err
		}
		for key := range stored {
			seen[strings.TrimPrefix(key, KeyPrefix)] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) lookup(id string) (string, string, bool) {
	if s.kv != nil {
		if v, err := s.kv.KVGet(KeyPrefix + id); err == nil {
			return v, SourceStore, true
		}
	}

	s.mu.RLock()
	v, ok := s.static[id]
	s.mu.RUnlock()
	if ok && v != "" {
		return v, SourceConfig, true
	}

	if v := s.getenv(EnvName(id)); v != "" {
		return v, SourceEnv, true
	}
	return "", "", false
}

// EnvName returns the environment variable consulted for id.
func EnvName(id string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Status reports whether one declared credential is usable. It never carries
// the value.
type Status struct {
	ID        string                `json:"id"`
	Type      widget.CredentialType `json:"type"`
	Name      string                `json:"name"`
	Available bool                  `json:"available"`
	Source    string                `json:"source,omitempty"`
	Detail    string                `json:"detail,omitempty"`
}

// StatusFor reports the status of every credential def declares. Secrets are
// checked for presence; local software is checked by looking up the first
// word of its check command on PATH without running it. Agent credentials are
// provided by the agent and always reported unavailable here.
func (s *Store) StatusFor(def *widget.Definition) []Status {
	out := make([]Status, 0, len(def.Credentials))
	for _, c := range def.Credentials {
		st := Status{ID: c.ID, Type: c.Type, Name: c.Name}
		switch c.Type {
		case widget.CredentialAPIKey, widget.CredentialOAuth:
			if _, src, ok := s.lookup(c.ID); ok {
				st.Available = true
				st.Source = src
			} else {
				st.Detail = "set it in the credentials config or " + EnvName(c.ID)
			}
		case widget.CredentialLocalSoftware:
			fields := strings.Fields(c.CheckCommand)
			if len(fields) == 0 {
				st.Detail = "no check command declared"
				break
			}
			if path, err := exec.LookPath(fields[0]); err == nil {
				st.Available = true
				st.Detail = path
			} else {
				st.Detail = fields[0] + " not found on PATH"
			}
		case widget.CredentialAgent:
			st.Detail = "provided by the refresh agent"
		}
		out = append(out, st)
	}
	return out
}
