// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storage is the keyed context store backing both the bridge
// itself and the Matter engine. A manager owns a base directory, each
// context is a subdirectory and each key is a JSON file inside it, so
// the on-disk layout stays inspectable with nothing more than cat.
package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
)

// ErrUnavailable is returned when the backing directory cannot be
// used, or when operating on a closed manager or context.
const ErrUnavailable = errors.ConstError("storage unavailable")

// Manager owns a storage base directory and hands out named
// contexts. It is safe for concurrent use.
type Manager struct {
	base   string
	logger corelogger.Logger

	mu       sync.Mutex
	closed   bool
	contexts map[string]*Context
}

// NewManager opens (creating if needed) the storage tree rooted at
// base. The directory is probed for writability up front so a broken
// mount fails loudly at startup rather than on the first write.
func NewManager(base string, logger corelogger.Logger) (*Manager, error) {
	if base == "" {
		return nil, errors.NotValidf("empty storage base directory")
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "creating storage directory %q", base), ErrUnavailable)
	}
	probe := filepath.Join(base, ".probe")
	if err := os.WriteFile(probe, []byte{}, 0600); err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "storage directory %q is not writable", base), ErrUnavailable)
	}
	_ = os.Remove(probe)
	return &Manager{
		base:     base,
		logger:   logger,
		contexts: make(map[string]*Context),
	}, nil
}

// Base returns the directory the manager was opened on.
func (m *Manager) Base() string {
	return m.base
}

// Open returns the named context, creating its directory on first
// use. Opening the same name twice returns the same handle.
func (m *Manager) Open(name string) (*Context, error) {
	if err := validateName(name); err != nil {
		return nil, errors.Trace(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Annotatef(ErrUnavailable, "opening context %q", name)
	}
	if ctx, ok := m.contexts[name]; ok {
		return ctx, nil
	}
	dir := filepath.Join(m.base, name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "creating context %q", name), ErrUnavailable)
	}
	ctx := &Context{manager: m, name: name, dir: dir}
	m.contexts[name] = ctx
	return ctx, nil
}

// Backup duplicates the whole storage tree into dest. The copy is
// assembled under a temporary sibling and renamed into place, so a
// half-written backup is never observable under the final name.
func (m *Manager) Backup(dest string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.Annotate(ErrUnavailable, "backup")
	}
	m.mu.Unlock()

	if dest == "" {
		return errors.NotValidf("empty backup destination")
	}
	tmp := dest + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return errors.Trace(err)
	}
	if err := copyTree(m.base, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Annotatef(err, "copying storage to %q", tmp)
	}
	if err := os.RemoveAll(dest); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Trace(err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Annotatef(err, "renaming backup into place")
	}
	m.logger.Infof(context.Background(), "storage backed up to %q", dest)
	return nil
}

// Close marks the manager and all its contexts unusable. Writes are
// already durable at this point; there is nothing to flush.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ctx := range m.contexts {
		ctx.markClosed()
	}
	m.contexts = nil
	return nil
}

func (m *Manager) closeContext(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		delete(m.contexts, name)
	}
}

// Context is a single named key space. Keys map to files named
// <key>.json inside the context directory; values are JSON encoded.
type Context struct {
	manager *Manager
	name    string
	dir     string

	mu     sync.Mutex
	closed bool
}

// Name returns the context name, including any parent prefix.
func (c *Context) Name() string {
	return c.name
}

// Sub returns a child context nested inside this one. The engine uses
// this for its per-node persist spaces.
func (c *Context) Sub(name string) (*Context, error) {
	if err := validateName(name); err != nil {
		return nil, errors.Trace(err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Annotatef(ErrUnavailable, "context %q", c.name)
	}
	c.mu.Unlock()
	return c.manager.Open(c.name + "/" + name)
}

// Set durably writes the JSON encoding of value under key. The write
// is atomic: readers see either the previous value or the new one.
func (c *Context) Set(key string, value any) error {
	path, err := c.keyPath(key)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "encoding %q in context %q", key, c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Annotatef(ErrUnavailable, "context %q", c.name)
	}
	if err := utils.AtomicWriteFile(path, data, 0600); err != nil {
		return errors.WithType(errors.Annotatef(err, "writing %q in context %q", key, c.name), ErrUnavailable)
	}
	return nil
}

// Get decodes the value stored under key into out, which must be a
// pointer. A missing key returns a NotFound error.
func (c *Context) Get(key string, out any) error {
	path, err := c.keyPath(key)
	if err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Annotatef(ErrUnavailable, "context %q", c.name)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errors.NotFoundf("key %q in context %q", key, c.name)
	} else if err != nil {
		return errors.WithType(errors.Annotatef(err, "reading %q in context %q", key, c.name), ErrUnavailable)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Annotatef(err, "decoding %q in context %q", key, c.name)
	}
	return nil
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	path, err := c.keyPath(key)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Context) Delete(key string) error {
	path, err := c.keyPath(key)
	if err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Annotatef(ErrUnavailable, "context %q", c.name)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// Keys returns the keys present in this context, sorted. Child
// contexts are not included.
func (c *Context) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Annotatef(ErrUnavailable, "context %q", c.name)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key in this context, leaving child contexts
// alone.
func (c *Context) Clear() error {
	keys, err := c.Keys()
	if err != nil {
		return errors.Trace(err)
	}
	for _, key := range keys {
		if err := c.Delete(key); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Close releases the handle. A later Open on the same name returns a
// fresh handle on the same directory.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.manager.closeContext(c.name)
	return nil
}

func (c *Context) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Context) keyPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", errors.Trace(err)
	}
	return filepath.Join(c.dir, key+".json"), nil
}

func validateName(name string) error {
	if name == "" {
		return errors.NotValidf("empty context name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.NotValidf("context name %q", name)
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.NotValidf("empty key")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return errors.NotValidf("key %q", key)
	}
	return nil
}

// Get returns the value stored under key, or def when the key is
// absent.
func Get[T any](c *Context, key string, def T) (T, error) {
	var v T
	err := c.Get(key, &v)
	if errors.Is(err, errors.NotFound) {
		return def, nil
	} else if err != nil {
		return def, errors.Trace(err)
	}
	return v, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
