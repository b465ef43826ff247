package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/safego"
)

// aliasFile is the versioned on-disk alias format.
type aliasFile struct {
	Version int                         `json:"version"`
	Aliases map[string]entity.AliasInfo `json:"aliases"`
}

// ModelCatalog is the per-user view of available models.
type ModelCatalog struct {
	ModelsByID      map[string]*entity.ModelDescriptor `json:"models_by_id"`
	Cheapest        *entity.ModelDescriptor            `json:"cheapest,omitempty"`
	Advanced        *entity.ModelDescriptor            `json:"advanced,omitempty"`
	DocumentCaching bool                               `json:"document_caching"`
}

// ModelRegistry resolves aliases to concrete model ids and serves the model
// catalog. Both files are loaded once at startup and hot-reloaded on change.
type ModelRegistry struct {
	catalogPath string
	aliasPath   string
	logger      *zap.Logger

	mu      sync.RWMutex
	models  map[string]*entity.ModelDescriptor
	aliases map[string]entity.AliasInfo
}

// NewModelRegistry loads the model catalog and alias file.
func NewModelRegistry(catalogPath, aliasPath string, logger *zap.Logger) (*ModelRegistry, error) {
	r := &ModelRegistry{
		catalogPath: catalogPath,
		aliasPath:   aliasPath,
		logger:      logger,
		models:      make(map[string]*entity.ModelDescriptor),
		aliases:     make(map[string]entity.AliasInfo),
	}
	if err := r.loadCatalog(); err != nil {
		return nil, err
	}
	if err := r.loadAliases(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ModelRegistry) loadCatalog() error {
	data, err := os.ReadFile(r.catalogPath)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}
	var list []entity.ModelDescriptor
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}

	models := make(map[string]*entity.ModelDescriptor, len(list))
	for i := range list {
		models[list[i].ID] = &list[i]
	}

	r.mu.Lock()
	r.models = models
	r.mu.Unlock()

	r.logger.Info("Model catalog loaded", zap.Int("model_count", len(models)))
	return nil
}

func (r *ModelRegistry) loadAliases() error {
	data, err := os.ReadFile(r.aliasPath)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("Alias file missing, all names pass through",
				zap.String("path", r.aliasPath))
			return nil
		}
		return fmt.Errorf("read alias file: %w", err)
	}
	var f aliasFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse alias file: %w", err)
	}

	r.mu.Lock()
	r.aliases = f.Aliases
	r.mu.Unlock()

	r.logger.Info("Model aliases loaded",
		zap.Int("alias_count", len(f.Aliases)),
		zap.Int("version", f.Version),
	)
	return nil
}

// Watch hot-reloads the catalog and alias files on change until ctx ends.
func (r *ModelRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	for _, p := range []string{r.catalogPath, r.aliasPath} {
		if _, statErr := os.Stat(p); statErr == nil {
			if err := watcher.Add(p); err != nil {
				watcher.Close()
				return fmt.Errorf("watch %s: %w", p, err)
			}
		}
	}

	safego.Go(r.logger, "registry-watcher", func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				var loadErr error
				if ev.Name == r.catalogPath {
					loadErr = r.loadCatalog()
				} else {
					loadErr = r.loadAliases()
				}
				if loadErr != nil {
					r.logger.Error("Registry reload failed",
						zap.String("file", ev.Name),
						zap.Error(loadErr),
					)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Registry watcher error", zap.Error(err))
			}
		}
	})
	return nil
}

// ResolveAlias resolves a name to a model id. Unknown or empty names pass
// through unchanged.
func (r *ModelRegistry) ResolveAlias(name string) entity.AliasResolution {
	if name == "" {
		return entity.AliasResolution{ResolvedID: name}
	}

	r.mu.RLock()
	info, ok := r.aliases[name]
	r.mu.RUnlock()
	if !ok {
		return entity.AliasResolution{ResolvedID: name}
	}
	infoCopy := info
	return entity.AliasResolution{
		ResolvedID: info.ResolvesTo,
		WasAlias:   true,
		AliasInfo:  &infoCopy,
	}
}

// Aliases returns a copy of the alias table.
func (r *ModelRegistry) Aliases() map[string]entity.AliasInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]entity.AliasInfo, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Model returns the descriptor for a concrete model id.
func (r *ModelRegistry) Model(id string) (*entity.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// UserAvailableModels returns the catalog visible to the principal, with the
// cheapest and most advanced entries precomputed.
func (r *ModelRegistry) UserAvailableModels(_ *entity.Principal) *ModelCatalog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	catalog := &ModelCatalog{
		ModelsByID:      make(map[string]*entity.ModelDescriptor, len(r.models)),
		DocumentCaching: true,
	}
	for id, m := range r.models {
		catalog.ModelsByID[id] = m
		if catalog.Cheapest == nil || m.InputRate < catalog.Cheapest.InputRate {
			catalog.Cheapest = m
		}
		if catalog.Advanced == nil || m.InputRate > catalog.Advanced.InputRate {
			catalog.Advanced = m
		}
	}
	return catalog
}

// CheapestEquivalent picks the cheapest model sharing the given model's
// capability flags (image and reasoning support). Falls back to the model
// itself when nothing cheaper matches.
func (r *ModelRegistry) CheapestEquivalent(m *entity.ModelDescriptor) *entity.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := m
	for _, cand := range r.models {
		if cand.SupportsImages != m.SupportsImages || cand.SupportsReasoning != m.SupportsReasoning {
			continue
		}
		if cand.InputRate < best.InputRate {
			best = cand
		}
	}
	return best
}
