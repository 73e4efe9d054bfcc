package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRegistryURL is the default URL for the model registry
	DefaultRegistryURL = "https://registry.madkv.dev"

	// DefaultCacheDir is the default directory for storing downloaded models
	DefaultCacheDir = ".madkv/models"
)

// ClientOptions contains options for configuring the registry client
type ClientOptions struct {
	// RegistryURL is the base URL for the registry API
	RegistryURL string

	// CacheDir is the directory where downloaded models are stored
	CacheDir string

	// HttpClient is the HTTP client to use for requests
	HttpClient *http.Client

	// OfflineMode determines if the client operates in offline mode
	OfflineMode bool

	Logger *zap.Logger
}

// Client is a client for interacting with the model registry
type Client struct {
	options    ClientOptions
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new registry client with the given options
func NewClient(options *ClientOptions) *Client {
	opts := ClientOptions{
		RegistryURL: DefaultRegistryURL,
		CacheDir:    DefaultCacheDir,
		HttpClient:  http.DefaultClient,
		OfflineMode: false,
		Logger:      zap.NewNop(),
	}

	if options != nil {
		if options.RegistryURL != "" {
			opts.RegistryURL = strings.TrimSuffix(options.RegistryURL, "/")
		}

		if options.CacheDir != "" {
			opts.CacheDir = options.CacheDir
		}

		if options.HttpClient != nil {
			opts.HttpClient = options.HttpClient
		}

		if options.Logger != nil {
			opts.Logger = options.Logger
		}

		opts.OfflineMode = options.OfflineMode
	}

	return &Client{
		options:    opts,
		httpClient: opts.HttpClient,
		logger:     opts.Logger,
	}
}

// getJSON fetches url and decodes its JSON body into out
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// GetModelMetadata retrieves metadata for a model
func (c *Client) GetModelMetadata(ctx context.Context, id ModelID, version ModelVersion) (*ModelMetadata, error) {
	if c.options.OfflineMode {
		return nil, fmt.Errorf("cannot fetch model metadata: %w", ErrOffline)
	}

	url := fmt.Sprintf("%s/v1/models/%s/versions/%s", c.options.RegistryURL, id, version)
	var metadata ModelMetadata
	if err := c.getJSON(ctx, url, &metadata); err != nil {
		return nil, fmt.Errorf("failed to fetch model metadata: %w", err)
	}

	return &metadata, nil
}

// SearchModels searches for models matching criteria
func (c *Client) SearchModels(ctx context.Context, query string, tags []string) ([]ModelMetadata, error) {
	if c.options.OfflineMode {
		return nil, fmt.Errorf("cannot search models: %w", ErrOffline)
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("tags", strings.Join(tags, ","))
	searchURL := fmt.Sprintf("%s/v1/models?%s", c.options.RegistryURL, params.Encode())

	var metadata []ModelMetadata
	if err := c.getJSON(ctx, searchURL, &metadata); err != nil {
		return nil, fmt.Errorf("failed to search models: %w", err)
	}

	return metadata, nil
}

// DownloadModel downloads a model to the local cache, reusing a cached copy
// whose hash still matches
func (c *Client) DownloadModel(ctx context.Context, id ModelID, version ModelVersion) (localPath string, err error) {
	if c.options.OfflineMode {
		return "", fmt.Errorf("cannot download models: %w", ErrOffline)
	}

	// Get model metadata first to verify hash later
	metadata, err := c.GetModelMetadata(ctx, id, version)
	if err != nil {
		return "", fmt.Errorf("failed to get model metadata: %w", err)
	}

	if err := os.MkdirAll(c.options.CacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	localPath = filepath.Join(c.options.CacheDir, c.modelFilename(id, version))

	if _, err := os.Stat(localPath); err == nil {
		hash, err := CalculateSHA256(localPath)
		if err == nil && hash == metadata.SHA256 {
			c.logger.Debug("model cached", zap.String("model", string(id)), zap.String("path", localPath))
			return localPath, nil
		}
		c.logger.Warn("cached model hash mismatch, downloading again", zap.String("model", string(id)))
		_ = os.Remove(localPath)
	}

	url := fmt.Sprintf("%s/v1/models/%s/versions/%s/download", c.options.RegistryURL, id, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to download model: HTTP %d: %s", resp.StatusCode, string(body))
	}

	// Concurrent installs each get their own temporary file
	tmpFile := localPath + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(tmpFile)
		}
	}()

	if _, err = io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write model data: %w", err)
	}
	if err = f.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	hash, err := CalculateSHA256(tmpFile)
	if err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	if hash != metadata.SHA256 {
		err = fmt.Errorf("hash mismatch: expected %s, got %s", metadata.SHA256, hash)
		return "", err
	}

	if err = os.Rename(tmpFile, localPath); err != nil {
		return "", fmt.Errorf("failed to move file to final location: %w", err)
	}

	c.logger.Info("model downloaded",
		zap.String("model", string(id)),
		zap.String("version", string(version)),
		zap.String("path", localPath))
	return localPath, nil
}

// ResolveVersion resolves a version constraint to a specific version. "latest"
// and the empty constraint match any version.
func (c *Client) ResolveVersion(ctx context.Context, id ModelID, versionConstraint string) (ModelVersion, error) {
	if c.options.OfflineMode {
		return "", fmt.Errorf("cannot resolve version: %w", ErrOffline)
	}
	if versionConstraint == "" || versionConstraint == "latest" {
		versionConstraint = "*"
	}

	versions, err := c.SearchModels(ctx, string(id), []string{})
	if err != nil {
		return "", fmt.Errorf("failed to search models: %w", err)
	}

	var bestMatch ModelVersion
	for _, version := range versions {
		if version.ID != id {
			continue
		}
		if c.versionSatisfiesConstraint(version.Version, versionConstraint) && c.versionIsNewer(version.Version, bestMatch) {
			bestMatch = version.Version
		}
	}

	if bestMatch == "" {
		return "", fmt.Errorf("no version of %s satisfies the constraint: %s", id, versionConstraint)
	}

	return bestMatch, nil
}

// versionSatisfiesConstraint checks if a version satisfies a version constraint
func (c *Client) versionSatisfiesConstraint(version ModelVersion, constraint string) bool {
	v, err := semver.NewVersion(strings.TrimPrefix(string(version), "v"))
	if err != nil {
		c.logger.Warn("invalid semver format", zap.String("version", string(version)), zap.Error(err))
		return false
	}

	constraints, err := semver.NewConstraint(constraint)
	if err != nil {
		c.logger.Warn("invalid constraint format", zap.String("constraint", constraint), zap.Error(err))
		return false
	}

	return constraints.Check(v)
}

// versionIsNewer checks if version1 is newer than version2
func (c *Client) versionIsNewer(version1 ModelVersion, version2 ModelVersion) bool {
	if version2 == "" {
		return true
	}

	v1, err := semver.NewVersion(strings.TrimPrefix(string(version1), "v"))
	if err != nil {
		c.logger.Warn("invalid semver format", zap.String("version", string(version1)), zap.Error(err))
		return version1 > version2
	}

	v2, err := semver.NewVersion(strings.TrimPrefix(string(version2), "v"))
	if err != nil {
		c.logger.Warn("invalid semver format", zap.String("version", string(version2)), zap.Error(err))
		return version1 > version2
	}

	return v1.GreaterThan(v2)
}

// ValidateModelHash validates the SHA256 hash of a model file
func (c *Client) ValidateModelHash(ctx context.Context, id ModelID, version ModelVersion, filePath string) (bool, error) {
	metadata, err := c.GetModelMetadata(ctx, id, version)
	if err != nil {
		return false, fmt.Errorf("failed to get model metadata: %w", err)
	}

	actualHash, err := CalculateSHA256(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to calculate file hash: %w", err)
	}

	return metadata.SHA256 == actualHash, nil
}

// GenerateLockFile downloads the given models and records where they are
func (c *Client) GenerateLockFile(ctx context.Context, versions map[ModelID]ModelVersion) (*LockFile, error) {
	lockFile := &LockFile{
		GeneratedAt: time.Now().UTC(),
		Models:      make(map[ModelID]LockInfo),
	}

	for id, version := range versions {
		localPath, err := c.DownloadModel(ctx, id, version)
		if err != nil {
			return nil, fmt.Errorf("failed to download model %s@%s: %w", id, version, err)
		}

		hash, err := CalculateSHA256(localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate hash for model %s: %w", id, err)
		}

		lockFile.Models[id] = LockInfo{
			Version:      version,
			ResolvedHash: hash,
			Location:     localPath,
			DownloadedAt: time.Now().UTC(),
		}
	}

	return lockFile, nil
}

// SaveLockFile saves the lockfile to disk
func (c *Client) SaveLockFile(lockFile *LockFile, filePath string) error {
	data, err := yaml.Marshal(lockFile)
	if err != nil {
		return fmt.Errorf("failed to marshal lockfile: %w", err)
	}

	content := "# madkv.lock - generated from madkv.yaml\n" + string(data)

	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}

	return nil
}

// LoadLockFile loads a lockfile from disk
func (c *Client) LoadLockFile(filePath string) (*LockFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}

	lockFile := &LockFile{}
	if err := yaml.Unmarshal(data, lockFile); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}

	return lockFile, nil
}

// modelFilename generates a filename for a model based on its ID and version
func (c *Client) modelFilename(id ModelID, version ModelVersion) string {
	name := strings.ReplaceAll(string(id), "/", "-")
	name = strings.TrimPrefix(name, "@")

	return fmt.Sprintf("%s-%s.wasm", name, version)
}
