package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"crypto-news-analyzer/config"
	"crypto-news-analyzer/model"
)

// ErrNotFound is returned when a named source is not registered.
var ErrNotFound = errors.New("source not found")

// ErrDuplicate is returned by a Store when a source name is already taken.
var ErrDuplicate = errors.New("duplicate source")

// Store persists source definitions. Implementations return ErrDuplicate
// and ErrNotFound (or errors wrapping them) for the matching conditions.
type Store interface {
	ListSources(ctx context.Context) ([]model.Source, error)
	CountSources(ctx context.Context) (int, error)
	AddSource(ctx context.Context, src model.Source) error
	RemoveSource(ctx context.Context, name string) error
	SetSourceEnabled(ctx context.Context, name string, enabled bool) error
}

// Registry manages the configured news sources.
type Registry struct {
	store Store
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Seed registers the given sources when the registry is empty. It returns
// the number of sources added. Once sources are stored the registry is
// authoritative; configured sources that no longer match it are logged.
func (r *Registry) Seed(ctx context.Context, defaults []model.Source) (int, error) {
	n, err := r.store.CountSources(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		drifted, err := r.Drift(ctx, defaults)
		if err != nil {
			return 0, err
		}
		for _, name := range drifted {
			slog.Warn("configured source differs from registry; use the sources command to apply it", "source", name)
		}
		return 0, nil
	}

	added := 0
	for _, src := range defaults {
		if err := r.Add(ctx, src); err != nil {
			return added, fmt.Errorf("seed source %q: %w", src.Name, err)
		}
		added++
	}
	slog.Info("seeded sources", "count", added)
	return added, nil
}

// Drift returns the names of configured sources that are missing from the
// registry or registered with a different type or URL. Enabled flags are
// not compared.
func (r *Registry) Drift(ctx context.Context, configured []model.Source) ([]string, error) {
	stored, err := r.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]model.Source, len(stored))
	for _, src := range stored {
		byName[src.Name] = src
	}

	var drifted []string
	for _, src := range configured {
		name := strings.TrimSpace(src.Name)
		got, ok := byName[name]
		if !ok ||
			got.Type != model.SourceType(strings.ToLower(string(src.Type))) ||
			got.URL != strings.TrimSpace(src.URL) {
			drifted = append(drifted, name)
		}
	}
	return drifted, nil
}

// List returns every registered source.
func (r *Registry) List(ctx context.Context) ([]model.Source, error) {
	return r.store.ListSources(ctx)
}

// Enabled returns the sources that are fetched each cycle.
func (r *Registry) Enabled(ctx context.Context) ([]model.Source, error) {
	all, err := r.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	var enabled []model.Source
	for _, src := range all {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}
	return enabled, nil
}

// Add registers a source. Invalid definitions and duplicate names fail
// with a config.ValidationError.
func (r *Registry) Add(ctx context.Context, src model.Source) error {
	src.Name = strings.TrimSpace(src.Name)
	src.URL = strings.TrimSpace(src.URL)
	src.Type = model.SourceType(strings.ToLower(string(src.Type)))

	if err := config.ValidateSource(src); err != nil {
		return err
	}

	err := r.store.AddSource(ctx, src)
	if errors.Is(err, ErrDuplicate) {
		return &config.ValidationError{Field: "name", Reason: fmt.Sprintf("source %q already exists", src.Name)}
	}
	return err
}

// Remove unregisters a source by name.
func (r *Registry) Remove(ctx context.Context, name string) error {
	return r.store.RemoveSource(ctx, name)
}

// SetEnabled enables or disables a source by name.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return r.store.SetSourceEnabled(ctx, name, enabled)
}
