// Package cassette persists an ordered sequence of interactions in a single
// file. Files are read whole on open and replaced atomically on flush.
package cassette

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"replaydeck/interaction"
)

// ErrClosed is returned by mutating calls after Close.
var ErrClosed = errors.New("cassette is closed")

// IoError reports a failure to read or write the cassette file.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("cassette %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// Cassette is an in-memory, file-backed sequence of interactions. It is safe
// for concurrent use.
type Cassette struct {
	path         string
	interactions []interaction.Interaction
	dirty        bool
	closed       bool
	mutex        sync.RWMutex
}

// Open reads the cassette at path. A missing or empty file yields an empty
// cassette so a first recording run can create it.
func Open(path string) (*Cassette, error) {
	if path == "" {
		return nil, &IoError{Op: "open", Path: path, Err: errors.New("empty path")}
	}

	data, err := readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(path), nil
		}
		return nil, &IoError{Op: "open", Path: path, Err: err}
	}

	interactions, err := interaction.UnmarshalList(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load cassette %s: %w", path, err)
	}

	return &Cassette{
		path:         path,
		interactions: interactions,
	}, nil
}

// New returns an empty cassette that replaces whatever is at path on the
// first flush.
func New(path string) *Cassette {
	return &Cassette{path: path}
}

func readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if isCompressed(path) {
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}
	return io.ReadAll(reader)
}

func isCompressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

func (c *Cassette) Path() string {
	return c.path
}

// Len returns the number of interactions.
func (c *Cassette) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.interactions)
}

// At returns a copy of the interaction at index.
func (c *Cassette) At(index int) (interaction.Interaction, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if index < 0 || index >= len(c.interactions) {
		return interaction.Interaction{}, false
	}
	return c.interactions[index].Clone(), true
}

// ReadAll returns a deep copy of every interaction in recorded order.
func (c *Cassette) ReadAll() []interaction.Interaction {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]interaction.Interaction, len(c.interactions))
	for i, item := range c.interactions {
		out[i] = item.Clone()
	}
	return out
}

// Append adds an interaction at the end and returns its index.
func (c *Cassette) Append(item interaction.Interaction) (int, error) {
	if item.Request == nil || item.Response == nil {
		return 0, fmt.Errorf("interaction is missing its request or response")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	c.interactions = append(c.interactions, item.Clone())
	c.dirty = true
	return len(c.interactions) - 1, nil
}

// Replace swaps the interaction at index.
func (c *Cassette) Replace(index int, item interaction.Interaction) error {
	if item.Request == nil || item.Response == nil {
		return fmt.Errorf("interaction is missing its request or response")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(c.interactions) {
		return fmt.Errorf("interaction index %d out of range", index)
	}
	c.interactions[index] = item.Clone()
	c.dirty = true
	return nil
}

// Truncate drops every interaction.
func (c *Cassette) Truncate() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.interactions = nil
	c.dirty = true
	return nil
}

// Dirty reports whether there are changes not yet flushed.
func (c *Cassette) Dirty() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.dirty
}

// Flush writes the complete sequence to disk. The file is written to a
// temporary file in the same directory and renamed over the target, so a
// crash never leaves a partial cassette behind.
func (c *Cassette) Flush() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.flushLocked()
}

func (c *Cassette) flushLocked() error {
	if !c.dirty {
		return nil
	}

	data, err := interaction.MarshalList(c.interactions)
	if err != nil {
		return &IoError{Op: "encode", Path: c.path, Err: err}
	}
	if isCompressed(c.path) {
		var buf bytes.Buffer
		gzWriter := gzip.NewWriter(&buf)
		if _, err := gzWriter.Write(data); err != nil {
			return &IoError{Op: "compress", Path: c.path, Err: err}
		}
		if err := gzWriter.Close(); err != nil {
			return &IoError{Op: "compress", Path: c.path, Err: err}
		}
		data = buf.Bytes()
	}

	if err := writeAtomic(c.path, data); err != nil {
		return &IoError{Op: "write", Path: c.path, Err: err}
	}
	c.dirty = false
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir, filename := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cassette directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filename+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := file.Name()

	_, err = file.Write(data)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0644)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
	}
	return err
}

// Close flushes pending changes and rejects further mutation. Closing twice
// is a no-op.
func (c *Cassette) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	if err := c.flushLocked(); err != nil {
		return err
	}
	c.closed = true
	return nil
}
