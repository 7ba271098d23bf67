// Package static serves files below a root directory from an in-memory cache
// that fsnotify keeps consistent with the disk.
package static

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/logger"
)

var (
	// ErrNotFound is returned for missing, hidden or non-regular files
	ErrNotFound = errors.New("file not found")
	// ErrForbidden is returned for paths that resolve outside the root
	ErrForbidden = errors.New("path outside static root")
)

// File is one servable file
type File struct {
	// Path is the absolute path on disk
	Path        string
	Data        []byte
	ModTime     time.Time
	ETag        string
	ContentType string
}

// Stats counts cache lookups
type Stats struct {
	Entries int
	Bytes   int64
	Hits    uint64
	Misses  uint64
}

// Cache resolves request paths below root and caches small files. The
// cached total stays below MaxStaticCacheTotalBytes; other entries are
// evicted to make room.
type Cache struct {
	root     string
	index    string
	maxBytes int64
	maxTotal int64
	ignore   *ignoreRules

	mu      sync.RWMutex
	files   map[string]*File
	size    int64
	gen     uint64 // bumped on every invalidation
	watched map[string]bool

	hits   atomic.Uint64
	misses atomic.Uint64

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	closeOnce sync.Once
}

// New creates a cache for root. index is served for directory requests.
// Files larger than maxBytes are read from disk on every request; zero
// selects MaxStaticCacheBytes.
func New(root, index string, maxBytes int64) (*Cache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if maxBytes <= 0 {
		maxBytes = consts.MaxStaticCacheBytes
	}
	if index == "" {
		index = "index.html"
	}
	rules, err := loadIgnoreRules(filepath.Join(abs, IgnoreFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
	}

	c := &Cache{
		root:      abs,
		index:     index,
		maxBytes:  maxBytes,
		maxTotal:  max(maxBytes, consts.MaxStaticCacheTotalBytes),
		ignore:    rules,
		files:     make(map[string]*File),
		watched:   make(map[string]bool),
		stopWatch: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Global().Warn("static: failed to create file watcher, caching disabled: %v", err)
	} else {
		c.watcher = watcher
		go c.watchFiles()
	}
	return c, nil
}

// Root returns the absolute root directory
func (c *Cache) Root() string {
	return c.root
}

// Close stops the watcher
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopWatch)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
	})
	return err
}

func (c *Cache) watchFiles() {
	for {
		select {
		case <-c.stopWatch:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.Invalidate(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Global().Error("static: watcher error: %v", err)
		}
	}
}

// Invalidate drops the cached file at name and everything below it
func (c *Cache) Invalidate(name string) {
	prefix := name + string(filepath.Separator)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for p, f := range c.files {
		if p == name || strings.HasPrefix(p, prefix) {
			c.size -= int64(len(f.Data))
			delete(c.files, p)
		}
	}
}

// Clear drops every cached file
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.files = make(map[string]*File)
	c.size = 0
}

// Stats returns cache counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries: len(c.files),
		Bytes:   c.size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// resolve maps a URL path to a file below the root
func (c *Cache) resolve(urlPath string) (string, error) {
	clean := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") {
		clean = path.Join(clean, c.index)
	}
	if c.hiddenPath(clean) {
		return "", ErrNotFound
	}

	full := filepath.Join(c.root, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil {
		return "", ErrNotFound
	}
	if info.IsDir() {
		full = filepath.Join(full, c.index)
		clean = path.Join(clean, c.index)
		if c.hiddenPath(clean) {
			return "", ErrNotFound
		}
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", ErrNotFound
	}
	if resolved != c.root && !strings.HasPrefix(resolved, c.root+string(filepath.Separator)) {
		return "", ErrForbidden
	}
	return resolved, nil
}

// hiddenPath rejects dotfiles and paths matched by the ignore file
func (c *Cache) hiddenPath(clean string) bool {
	for _, seg := range strings.Split(clean, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return c.ignore.hidden(clean)
}

// Open returns the file for a URL path, from the cache when possible
func (c *Cache) Open(urlPath string) (*File, error) {
	full, err := c.resolve(urlPath)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	cached, ok := c.files[full]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)
	watching := c.watch(filepath.Dir(full))

	f, err := os.Open(full)
	if err != nil {
		return nil, ErrNotFound
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	if info.Size() > consts.MaxBodyBytes {
		return nil, fmt.Errorf("static file %s too large: %d bytes", full, info.Size())
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	file := &File{
		Path:        full,
		Data:        data,
		ModTime:     info.ModTime(),
		ETag:        etag(data),
		ContentType: contentType(full, data),
	}
	if watching && int64(len(data)) <= c.maxBytes && unchanged(full, info) {
		c.store(file, gen)
	}
	return file, nil
}

// watch subscribes to changes in dir; files are cached only in watched
// directories
func (c *Cache) watch(dir string) bool {
	if c.watcher == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched[dir] {
		return true
	}
	if err := c.watcher.Add(dir); err != nil {
		logger.Global().Warn("static: failed to watch %s: %v", dir, err)
		return false
	}
	c.watched[dir] = true
	return true
}

// unchanged reports whether the file at path still matches info after it
// was read
func unchanged(path string, info os.FileInfo) bool {
	now, err := os.Stat(path)
	return err == nil && now.Size() == info.Size() && now.ModTime().Equal(info.ModTime())
}

// store caches file unless an invalidation happened since gen was taken
func (c *Cache) store(file *File, gen uint64) bool {
	size := int64(len(file.Data))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || size > c.maxTotal {
		return false
	}
	if prev, ok := c.files[file.Path]; ok {
		c.size -= int64(len(prev.Data))
		delete(c.files, file.Path)
	}
	for p, f := range c.files {
		if c.size+size <= c.maxTotal {
			break
		}
		c.size -= int64(len(f.Data))
		delete(c.files, p)
	}
	c.files[file.Path] = file
	c.size += size
	return true
}

func etag(data []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(data), 16) + `"`
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// NotModified reports whether an If-None-Match header value matches etag
func NotModified(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
