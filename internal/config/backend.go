package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend abstracts persistent config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(filepath.Join(configDir(), "config.yaml"))
}

// fileBackend keeps config in a YAML file grouped by the first segment of
// each key, so "scrape.rps" is stored as rps under scrape:.
type fileBackend struct {
	path     string
	sections map[string]map[string]any
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, sections: make(map[string]map[string]any)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	if err := yaml.Unmarshal(data, &b.sections); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		b.sections = make(map[string]map[string]any)
	}
	return b
}

func splitKey(key string) (section, field string) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, field
}

func (b *fileBackend) lookup(key string) (any, bool) {
	section, field := splitKey(key)
	v, ok := b.sections[section][field]
	return v, ok && v != nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("value %v for %s is not an integer", v, key)
	}
}

func (b *fileBackend) set(key string, v any) error {
	section, field := splitKey(key)
	if b.sections[section] == nil {
		b.sections[section] = make(map[string]any)
	}
	b.sections[section][field] = v
	return b.save()
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	section, field := splitKey(key)
	delete(b.sections[section], field)
	if len(b.sections[section]) == 0 {
		delete(b.sections, section)
	}
	return b.save()
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.sections)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}
