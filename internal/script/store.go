package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/browser"
	"github.com/PEZ/epupp-sub009/internal/logging"
	"github.com/PEZ/epupp-sub009/internal/pattern"
)

// storagePrefix namespaces script records in the key-value store.
const storagePrefix = "script/"

// Store holds the persisted script records. All derived fields are
// recomputed in full from the manifest on every save; there is no
// merge-with-existing path that could leak stale fields.
type Store struct {
	mu        sync.RWMutex
	storage   browser.Storage
	log       *logging.Logger
	byID      map[string]*Script
	nameIndex map[string]string // normalized name -> id
	subs      []func()
}

// SaveRequest carries one save operation. Name is a fallback used only
// when the code's manifest does not declare one.
type SaveRequest struct {
	Name string
	Code string
}

// NewStore creates a store backed by the given storage and loads all
// existing records.
func NewStore(ctx context.Context, storage browser.Storage, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Store{
		storage:   storage,
		log:       log,
		byID:      make(map[string]*Script),
		nameIndex: make(map[string]string),
	}

	records, err := storage.List(ctx, storagePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load scripts: %w", err)
	}
	for key, raw := range records {
		var sc Script
		if err := json.Unmarshal(raw, &sc); err != nil {
			log.Warn("Skipping corrupt script record", zap.String("key", key), zap.Error(err))
			continue
		}
		s.byID[sc.ID] = &sc
		s.nameIndex[sc.Name] = sc.ID
	}
	return s, nil
}

// Watch reconciles the in-memory index against external storage
// mutations, so a record written by another store instance over the
// same storage shows up here without a restart. Echoes of this store's
// own writes are recognized by value and skipped.
func (s *Store) Watch(ctx context.Context) {
	changes := s.storage.Watch()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if !strings.HasPrefix(change.Key, storagePrefix) {
					continue
				}
				if s.applyExternal(change) {
					s.notify()
				}
			}
		}
	}()
}

// applyExternal folds one storage change into the index, reporting
// whether anything actually changed.
func (s *Store) applyExternal(change browser.Change) bool {
	id := strings.TrimPrefix(change.Key, storagePrefix)

	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Deleted {
		sc, ok := s.byID[id]
		if !ok {
			return false
		}
		delete(s.byID, id)
		delete(s.nameIndex, sc.Name)
		s.log.Info("Script removed externally", zap.String("name", sc.Name))
		return true
	}

	var sc Script
	if err := json.Unmarshal(change.Value, &sc); err != nil {
		s.log.Warn("Skipping corrupt external script record", zap.String("key", change.Key), zap.Error(err))
		return false
	}
	if cur, ok := s.byID[id]; ok {
		if raw, err := json.Marshal(cur); err == nil && bytes.Equal(raw, change.Value) {
			// Echo of our own write.
			return false
		}
		delete(s.nameIndex, cur.Name)
	}
	s.byID[id] = &sc
	s.nameIndex[sc.Name] = id
	s.log.Info("Script updated externally", zap.String("name", sc.Name))
	return true
}

// Subscribe registers a callback invoked after every store mutation.
// Callbacks run synchronously and must be quick; slow consumers should
// signal their own worker.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// List returns all scripts sorted by name.
func (s *Store) List() []Script {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Script, 0, len(s.byID))
	for _, sc := range s.byID {
		out = append(out, sc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the script with the given normalized name.
func (s *Store) Get(name string) (Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.nameIndex[NormalizeName(name)]
	if !ok {
		return Script{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.byID[id].clone(), nil
}

// GetByID returns the script with the given id.
func (s *Store) GetByID(id string) (Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.byID[id]
	if !ok {
		return Script{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return sc.clone(), nil
}

// Save creates or replaces a script from its source code. Every
// derived field (name, match patterns, timing, description) is
// recomputed from the manifest; a manifest without a match declaration
// clears the pattern list and forces the script disabled, overriding
// any prior approvals.
func (s *Store) Save(ctx context.Context, req SaveRequest) (Script, error) {
	manifest, err := ParseManifest(req.Code)
	if err != nil {
		return Script{}, err
	}

	display := manifest.Name
	if display == "" {
		display = req.Name
	}
	name := NormalizeName(display)
	if name == "" {
		return Script{}, fmt.Errorf("%w: script name required", ErrValidation)
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return Script{}, fmt.Errorf("%w: %s", ErrReservedName, name)
	}

	timing, err := ParseRunAt(manifest.RunAt)
	if err != nil {
		return Script{}, err
	}
	for _, p := range manifest.Match {
		if !pattern.Valid(p) {
			return Script{}, fmt.Errorf("%w: invalid match pattern %q", ErrValidation, p)
		}
	}

	s.mu.Lock()
	now := time.Now()
	var record Script
	if id, ok := s.nameIndex[name]; ok {
		prior := s.byID[id]
		if prior.Builtin {
			s.mu.Unlock()
			return Script{}, fmt.Errorf("%w: %s", ErrBuiltin, name)
		}
		record = Script{
			ID:        prior.ID,
			CreatedAt: prior.CreatedAt,
			Enabled:   prior.Enabled,
		}
		// Approvals survive a save only for patterns still declared.
		for _, p := range prior.ApprovedPatterns {
			for _, m := range manifest.Match {
				if p == m {
					record.ApprovedPatterns = append(record.ApprovedPatterns, p)
				}
			}
		}
	} else {
		record = Script{
			ID:        uuid.New().String(),
			CreatedAt: now,
			Enabled:   len(manifest.Match) > 0,
		}
	}

	record.Name = name
	record.Code = req.Code
	record.Description = manifest.Description
	record.MatchPatterns = append([]string(nil), manifest.Match...)
	record.Timing = timing
	record.ModifiedAt = now
	if len(record.MatchPatterns) == 0 {
		record.Enabled = false
		record.ApprovedPatterns = nil
	}

	if err := s.persistLocked(ctx, &record); err != nil {
		s.mu.Unlock()
		return Script{}, err
	}
	s.byID[record.ID] = &record
	s.nameIndex[name] = record.ID
	result := record.clone()
	s.mu.Unlock()

	s.notify()
	return result, nil
}

// Rename changes a script's name, keeping its id. The manifest name in
// the code is rewritten so the source stays authoritative.
func (s *Store) Rename(ctx context.Context, oldName, newName string) (Script, error) {
	normalized := NormalizeName(newName)
	if normalized == "" {
		return Script{}, fmt.Errorf("%w: script name required", ErrValidation)
	}
	if strings.HasPrefix(normalized, ReservedPrefix) {
		return Script{}, fmt.Errorf("%w: %s", ErrReservedName, normalized)
	}

	s.mu.Lock()
	id, ok := s.nameIndex[NormalizeName(oldName)]
	if !ok {
		s.mu.Unlock()
		return Script{}, fmt.Errorf("%w: %s", ErrNotFound, oldName)
	}
	sc := s.byID[id]
	if sc.Builtin {
		s.mu.Unlock()
		return Script{}, fmt.Errorf("%w: %s", ErrBuiltin, sc.Name)
	}
	if other, exists := s.nameIndex[normalized]; exists && other != id {
		s.mu.Unlock()
		return Script{}, fmt.Errorf("%w: %s", ErrDuplicateName, normalized)
	}

	updated := sc.clone()
	delete(s.nameIndex, sc.Name)
	updated.Name = normalized
	updated.Code = rewriteManifestName(sc.Code, normalized)
	updated.ModifiedAt = time.Now()

	if err := s.persistLocked(ctx, &updated); err != nil {
		s.nameIndex[sc.Name] = id
		s.mu.Unlock()
		return Script{}, err
	}
	s.byID[id] = &updated
	s.nameIndex[normalized] = id
	result := updated.clone()
	s.mu.Unlock()

	s.notify()
	return result, nil
}

// Delete removes a script. Builtin records are undeletable, and a
// delete drops every approval bound to the script with it.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	id, ok := s.nameIndex[NormalizeName(name)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	sc := s.byID[id]
	if sc.Builtin {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBuiltin, sc.Name)
	}

	if err := s.storage.Delete(ctx, storagePrefix+id); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete script: %w", err)
	}
	delete(s.byID, id)
	delete(s.nameIndex, sc.Name)
	s.mu.Unlock()

	s.notify()
	return nil
}

// SetEnabled toggles auto-run for a script. Enabling requires the
// script to declare at least one match pattern.
func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) (Script, error) {
	s.mu.Lock()
	id, ok := s.nameIndex[NormalizeName(name)]
	if !ok {
		s.mu.Unlock()
		return Script{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	sc := s.byID[id]
	if enabled && len(sc.MatchPatterns) == 0 {
		s.mu.Unlock()
		return Script{}, fmt.Errorf("%w: script declares no match patterns", ErrValidation)
	}

	updated := sc.clone()
	updated.Enabled = enabled
	updated.ModifiedAt = time.Now()
	if err := s.persistLocked(ctx, &updated); err != nil {
		s.mu.Unlock()
		return Script{}, err
	}
	s.byID[id] = &updated
	result := updated.clone()
	s.mu.Unlock()

	s.notify()
	return result, nil
}

// Approve marks one exact declared pattern as approved for the script.
// Only ever called on explicit user action; no other code path grants
// approvals.
func (s *Store) Approve(ctx context.Context, scriptID, patternStr string) error {
	s.mu.Lock()
	sc, ok := s.byID[scriptID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %s", ErrNotFound, scriptID)
	}
	if !sc.Declares(patternStr) {
		s.mu.Unlock()
		return fmt.Errorf("%w: pattern %q not declared by %s", ErrValidation, patternStr, sc.Name)
	}
	if sc.Approved(patternStr) {
		s.mu.Unlock()
		return nil
	}

	updated := sc.clone()
	updated.ApprovedPatterns = append(updated.ApprovedPatterns, patternStr)
	if err := s.persistLocked(ctx, &updated); err != nil {
		s.mu.Unlock()
		return err
	}
	s.byID[scriptID] = &updated
	s.mu.Unlock()

	s.notify()
	return nil
}

// Revoke removes one approval from the script. Idempotent.
func (s *Store) Revoke(ctx context.Context, scriptID, patternStr string) error {
	s.mu.Lock()
	sc, ok := s.byID[scriptID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %s", ErrNotFound, scriptID)
	}
	if !sc.Approved(patternStr) {
		s.mu.Unlock()
		return nil
	}

	updated := sc.clone()
	kept := updated.ApprovedPatterns[:0]
	for _, p := range updated.ApprovedPatterns {
		if p != patternStr {
			kept = append(kept, p)
		}
	}
	updated.ApprovedPatterns = kept
	if err := s.persistLocked(ctx, &updated); err != nil {
		s.mu.Unlock()
		return err
	}
	s.byID[scriptID] = &updated
	s.mu.Unlock()

	s.notify()
	return nil
}

// Builtin is one bundled system script.
type Builtin struct {
	Name string
	Code string
}

// SeedBuiltins installs bundled scripts that are not yet present.
// Existing records keep their ids and state. Builtin names must carry
// the reserved prefix; trust comes from the explicit flag on the
// record, never from the name shape.
func (s *Store) SeedBuiltins(ctx context.Context, builtins []Builtin) error {
	changed := false
	s.mu.Lock()
	for _, b := range builtins {
		name := NormalizeName(b.Name)
		if !strings.HasPrefix(name, ReservedPrefix) {
			s.mu.Unlock()
			return fmt.Errorf("%w: builtin %q lacks reserved prefix", ErrValidation, b.Name)
		}
		if _, exists := s.nameIndex[name]; exists {
			continue
		}

		manifest, err := ParseManifest(b.Code)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("builtin %s: %w", name, err)
		}
		timing, err := ParseRunAt(manifest.RunAt)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("builtin %s: %w", name, err)
		}

		now := time.Now()
		record := Script{
			ID:            uuid.New().String(),
			Name:          name,
			Code:          b.Code,
			Description:   manifest.Description,
			MatchPatterns: append([]string(nil), manifest.Match...),
			Timing:        timing,
			Builtin:       true,
			CreatedAt:     now,
			ModifiedAt:    now,
		}
		if err := s.persistLocked(ctx, &record); err != nil {
			s.mu.Unlock()
			return err
		}
		s.byID[record.ID] = &record
		s.nameIndex[name] = record.ID
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context, sc *Script) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal script: %w", err)
	}
	if err := s.storage.Set(ctx, storagePrefix+sc.ID, raw); err != nil {
		return fmt.Errorf("failed to persist script: %w", err)
	}
	return nil
}

func (s *Store) notify() {
	s.mu.RLock()
	subs := append([]func(){}, s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}
