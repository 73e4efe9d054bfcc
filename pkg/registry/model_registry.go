package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrOffline is returned by operations that need the network in offline mode.
var ErrOffline = errors.New("registry is in offline mode")

// ModelID uniquely identifies a compiled model in the registry, e.g. @madkv/kvstore
type ModelID string

// ModelVersion represents a semver version of a model
type ModelVersion string

// ModelMetadata contains information about a specific compiled model
type ModelMetadata struct {
	// Model identifier in the format @org/name
	ID ModelID `json:"id"`

	// Version of the model
	Version ModelVersion `json:"version"`

	// Description of what the model checks
	Description string `json:"description,omitempty"`

	// Author of the model
	Author string `json:"author,omitempty"`

	// Tags associated with the model
	Tags []string `json:"tags,omitempty"`

	// Entry is the exported function to run, "_start" when empty
	Entry string `json:"entry,omitempty"`

	// Imports lists the GlobalFunctions the model calls
	Imports []string `json:"imports,omitempty"`

	// Size of the WASM binary in bytes
	Size int64 `json:"size"`

	// SHA256 hash of the WASM binary
	SHA256 string `json:"sha256"`

	// PublishedAt timestamp when the model was published
	PublishedAt time.Time `json:"published_at"`
}

// LockInfo represents a model entry in the lockfile
type LockInfo struct {
	// Version of the model
	Version ModelVersion `yaml:"version"`

	// ResolvedHash of the downloaded WASM binary
	ResolvedHash string `yaml:"resolvedHash"`

	// Location where the model is stored locally
	Location string `yaml:"location"`

	// DownloadedAt timestamp when the model was downloaded
	DownloadedAt time.Time `yaml:"downloadedAt"`
}

// LockFile represents the madkv.lock file structure
type LockFile struct {
	// GeneratedAt timestamp when the lockfile was generated
	GeneratedAt time.Time `yaml:"generatedAt"`

	// Models indexed by their identifier
	Models map[ModelID]LockInfo `yaml:"models"`
}

// Registry defines the interface for interacting with a model registry
type Registry interface {
	// GetModelMetadata retrieves metadata for a model
	GetModelMetadata(ctx context.Context, id ModelID, version ModelVersion) (*ModelMetadata, error)

	// SearchModels searches for models matching criteria
	SearchModels(ctx context.Context, query string, tags []string) ([]ModelMetadata, error)

	// DownloadModel downloads a model to the local cache
	DownloadModel(ctx context.Context, id ModelID, version ModelVersion) (string, error)

	// ResolveVersion resolves a version constraint to a specific version
	ResolveVersion(ctx context.Context, id ModelID, versionConstraint string) (ModelVersion, error)

	// GenerateLockFile downloads the given models and records them
	GenerateLockFile(ctx context.Context, versions map[ModelID]ModelVersion) (*LockFile, error)
}

// CalculateSHA256 calculates the SHA256 hash of a file
func CalculateSHA256(filePath string) (string, error) {
	f, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file for hashing: %w", err)
	}

	return HashBytes(f), nil
}

// HashBytes formats the SHA256 hash of data the way the registry reports it
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
