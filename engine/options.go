package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
)

// Option configures an Engine.
type Option func(*config)

type config struct {
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = wazero default (4GB)
	cache            wazero.CompilationCache
	httpClient       *http.Client
	maxAssetSize     int64
	env              map[string]string
}

// DefaultMaxAssetSize bounds the interpreter download.
const DefaultMaxAssetSize = 256 << 20

func defaultConfig() config {
	return config{
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		maxAssetSize: DefaultMaxAssetSize,
		env:          make(map[string]string),
	}
}

// WithMemoryLimit sets the maximum memory available to the interpreter.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// ParseMemoryLimit maps "16mb", "64mb", "256mb" and "1gb" to pages. Unknown
// values return 0, meaning no limit.
func ParseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "16mb":
		return MemoryLimit16MB
	case "64mb":
		return MemoryLimit64MB
	case "256mb":
		return MemoryLimit256MB
	case "1gb":
		return MemoryLimit1GB
	default:
		return 0
	}
}

// WithCompilationCache shares a compilation cache between engines. A stopped
// worker is replaced by a fresh engine; sharing the cache keeps the
// replacement from recompiling the interpreter. The caller owns the cache.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *config) {
		c.cache = cache
	}
}

// WithHTTPClient sets the client used to fetch assets over http(s).
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithMaxAssetSize bounds the size of the interpreter asset.
func WithMaxAssetSize(n int64) Option {
	return func(c *config) {
		c.maxAssetSize = n
	}
}

// WithEnv sets an environment variable visible to the interpreter.
func WithEnv(key, value string) Option {
	return func(c *config) {
		c.env[key] = value
	}
}

// NewCompilationCache returns a cache for [WithCompilationCache]. With an
// empty dir the cache lives in memory; "default" selects
// ~/.cache/pynode or XDG_CACHE_HOME/pynode.
func NewCompilationCache(dir string) (wazero.CompilationCache, error) {
	if dir == "" {
		return wazero.NewCompilationCache(), nil
	}
	if dir == "default" {
		dir = defaultCacheDir()
	}
	cache, err := wazero.NewCompilationCacheWithDir(dir)
	if err != nil {
		return nil, fmt.Errorf("create disk cache: %w", err)
	}
	return cache, nil
}

// CloseCache closes a cache created by NewCompilationCache.
func CloseCache(cache wazero.CompilationCache) error {
	if cache == nil {
		return nil
	}
	return cache.Close(context.Background())
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pynode")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pynode")
	}
	return filepath.Join(os.TempDir(), "pynode-cache")
}
