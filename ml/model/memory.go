package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/fault"
)

type artifactKey struct {
	name    string
	version int
}

// MemoryRegistry is the in-process RegistryClient for tests and single-node
// development. Versions and artifacts live in memory; semantics match the
// interface contract exactly.
type MemoryRegistry struct {
	mu        sync.RWMutex
	versions  map[string][]Version
	artifacts map[artifactKey][]byte
}

// NewMemoryRegistry builds an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		versions:  make(map[string][]Version),
		artifacts: make(map[artifactKey][]byte),
	}
}

// Name identifies the registry in readiness reports.
func (r *MemoryRegistry) Name() string { return "model-registry" }

// Ping reports readiness. The in-process registry is always reachable.
func (r *MemoryRegistry) Ping(context.Context) error { return nil }

// GetActive implements RegistryClient.
func (r *MemoryRegistry) GetActive(_ context.Context, name string) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[name]
	var production, staging *Version
	for i := range versions {
		v := &versions[i]
		switch v.Stage {
		case StageProduction:
			if production == nil || v.Version > production.Version {
				production = v
			}
		case StageStaging:
			if staging == nil || v.Version > staging.Version {
				staging = v
			}
		}
	}
	if production != nil {
		return *production, nil
	}
	if staging != nil {
		return *staging, nil
	}
	return Version{}, fmt.Errorf("%w: no serving version for %q", ErrNotFound, name)
}

// ListVersions implements RegistryClient.
func (r *MemoryRegistry) ListVersions(_ context.Context, name string) ([]Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Version(nil), r.versions[name]...), nil
}

// Register implements RegistryClient.
func (r *MemoryRegistry) Register(_ context.Context, name string, artifact []byte, featureNames []string, metrics map[string]float64) (Version, error) {
	if name == "" {
		return Version{}, fault.Validation(fmt.Errorf("model: empty model name"))
	}
	if len(artifact) == 0 {
		return Version{}, fault.Validation(fmt.Errorf("model: empty artifact for %q", name))
	}

	sum := sha256.Sum256(artifact)

	r.mu.Lock()
	defer r.mu.Unlock()

	next := 1
	if versions := r.versions[name]; len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	v := Version{
		Name:         name,
		Version:      next,
		Stage:        StageNone,
		FeatureNames: append([]string(nil), featureNames...),
		ContentHash:  hex.EncodeToString(sum[:]),
		Metrics:      metrics,
		CreatedAt:    time.Now().UTC(),
	}
	r.versions[name] = append(r.versions[name], v)
	r.artifacts[artifactKey{name, next}] = append([]byte(nil), artifact...)
	return v, nil
}

// Transition implements RegistryClient.
func (r *MemoryRegistry) Transition(_ context.Context, name string, version int, stage Stage) error {
	if !stage.Valid() {
		return fault.Validation(fmt.Errorf("model: unknown stage %q", stage))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.versions[name]
	for i := range versions {
		if versions[i].Version == version {
			versions[i].Stage = stage
			return nil
		}
	}
	return fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
}

// LoadArtifact implements RegistryClient.
func (r *MemoryRegistry) LoadArtifact(_ context.Context, name string, version int) (Scorer, error) {
	r.mu.RLock()
	var meta *Version
	for i := range r.versions[name] {
		if r.versions[name][i].Version == version {
			v := r.versions[name][i]
			meta = &v
			break
		}
	}
	artifact, ok := r.artifacts[artifactKey{name, version}]
	r.mu.RUnlock()

	if meta == nil || !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
	}
	sum := sha256.Sum256(artifact)
	if hex.EncodeToString(sum[:]) != meta.ContentHash {
		return nil, fmt.Errorf("%w: %s v%d", ErrIntegrityViolation, name, version)
	}
	return DecodeScorerArtifact(artifact)
}

// ReplaceArtifact swaps a version's stored bytes without recomputing the
// hash. It exists for fault injection in integrity tests.
func (r *MemoryRegistry) ReplaceArtifact(name string, version int, artifact []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[artifactKey{name, version}] = append([]byte(nil), artifact...)
}
