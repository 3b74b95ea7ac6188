package kv

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File stores one file per key under a directory. Writes go to a temp file
// that is renamed into place, so a reader never sees a partial value.
//
// Keys whose escaped form would exceed maxNameLen are stored under
// "#<sha256>" with the key itself as a length-prefixed header. '#' is always
// escaped by url.PathEscape, so hashed names cannot collide with plain ones.
type File struct {
	dir string
}

// OpenFile creates the directory if needed and returns a File backend.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	return &File{dir: dir}, nil
}

const (
	maxNameLen   = 200
	hashedPrefix = "#"
)

func fileName(key string) (name string, hashed bool) {
	esc := url.PathEscape(key)
	if len(esc) <= maxNameLen {
		return esc, false
	}
	sum := sha256.Sum256([]byte(key))
	return hashedPrefix + hex.EncodeToString(sum[:]), true
}

func (f *File) path(key string) string {
	name, _ := fileName(key)
	return filepath.Join(f.dir, name)
}

// splitHeader separates the stored key from the value of a hashed entry.
func splitHeader(data []byte) (key string, value []byte, ok bool) {
	n, w := binary.Uvarint(data)
	if w <= 0 || uint64(len(data)-w) < n {
		return "", nil, false
	}
	end := w + int(n)
	return string(data[w:end]), data[end:], true
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	name, hashed := fileName(key)
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if hashed {
		stored, value, ok := splitHeader(data)
		if !ok || stored != key {
			return nil, false, nil
		}
		return value, true, nil
	}
	return data, true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	if _, hashed := fileName(key); hashed {
		var buf bytes.Buffer
		buf.Write(binary.AppendUvarint(nil, uint64(len(key))))
		buf.WriteString(key)
		buf.Write(value)
		value = buf.Bytes()
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

func (f *File) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if err := os.Remove(f.path(k)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		k, err := f.keyOf(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) keyOf(name string) (string, error) {
	if !strings.HasPrefix(name, hashedPrefix) {
		return url.PathUnescape(name)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		return "", err
	}
	k, _, ok := splitHeader(data)
	if !ok {
		return "", fmt.Errorf("kv: corrupt entry %s", name)
	}
	return k, nil
}

func (f *File) Close() error { return nil }
