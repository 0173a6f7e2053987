// Package roster keeps the ordered list of candidate remote models.
//
// Candidates are tried in order, with the last model that connected
// successfully moved to the front. A model the remote side reports as
// unusable for this account or region is removed permanently and never tried
// again for the life of the process. The last successful model is persisted
// through a [kvstore.Store] so it survives restarts.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/internal/kvstore"
)

// ErrAllModelsUnsupported is returned when every candidate was removed.
var ErrAllModelsUnsupported = errors.New("roster: all models unsupported")

// DefaultKey is the store key holding the last successful model.
const DefaultKey = "last_successful_model"

// Option configures a [Roster].
type Option func(*Roster)

// WithStore persists the preferred model in s.
func WithStore(s kvstore.Store) Option {
	return func(r *Roster) { r.store = s }
}

// WithKey overrides the store key. Defaults to [DefaultKey].
func WithKey(key string) Option {
	return func(r *Roster) { r.key = key }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Roster) { r.log = l }
}

// Roster is an ordered set of candidate model identifiers.
//
// Roster is safe for concurrent use.
type Roster struct {
	store kvstore.Store
	key   string
	log   *slog.Logger

	mu        sync.Mutex
	models    []string
	removed   []string
	preferred string
}

// New creates a roster from models in priority order. Empty and duplicate
// entries are dropped.
func New(models []string, opts ...Option) *Roster {
	r := &Roster{key: DefaultKey, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	for _, m := range models {
		if m != "" && !slices.Contains(r.models, m) {
			r.models = append(r.models, m)
		}
	}
	return r
}

// Load reads the persisted preferred model. A stored model that is not part
// of the roster is ignored.
func (r *Roster) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	v, ok, err := r.store.Get(ctx, r.key)
	if err != nil {
		return fmt.Errorf("roster load: %w", err)
	}
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.models, v) {
		r.log.Info("ignoring persisted model not in roster", "model", v)
		return nil
	}
	r.preferred = v
	return nil
}

// Candidates returns the models to try, preferred first, then the remaining
// ones in configured order.
func (r *Roster) Candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.models))
	if r.preferred != "" {
		out = append(out, r.preferred)
	}
	for _, m := range r.models {
		if m != r.preferred {
			out = append(out, m)
		}
	}
	return out
}

// Contains reports whether model is still a candidate.
func (r *Roster) Contains(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.models, model)
}

// MarkUnsupported removes model permanently. It reports whether the model
// was still present.
func (r *Roster) MarkUnsupported(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.models, model)
	if i < 0 {
		return false
	}
	r.models = slices.Delete(r.models, i, i+1)
	r.removed = append(r.removed, model)
	if r.preferred == model {
		r.preferred = ""
	}
	r.log.Warn("model removed from roster", "model", model, "remaining", len(r.models))
	return true
}

// SetPreferred records model as the last successful one in memory. Use
// [Roster.Persist] to write it to the store.
func (r *Roster) SetPreferred(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.models, model) {
		r.preferred = model
	}
}

// Preferred returns the last successful model, or "" if none.
func (r *Roster) Preferred() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preferred
}

// Persist writes the preferred model to the store. It is a no-op without a
// store or a preferred model.
func (r *Roster) Persist(ctx context.Context) error {
	model := r.Preferred()
	if r.store == nil || model == "" {
		return nil
	}
	if err := r.store.Set(ctx, r.key, model); err != nil {
		return fmt.Errorf("roster persist: %w", err)
	}
	return nil
}

// Len returns the number of remaining candidates.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.models)
}

// Removed returns the models removed as unsupported, in removal order.
func (r *Roster) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removed)
}
