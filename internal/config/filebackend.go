package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "imgdex-data"
		}
	}
	return filepath.Join(dir, "imgdex")
}

// fileBackend keeps persisted keys in one flat JSON object keyed by dotted
// names, e.g. {"dedup.threshold": 0.9}.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	if err := b.load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return b
}

// FilePath returns where the config file is read from and written to.
func FilePath() string {
	return configFilePath()
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "imgdex", "config.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "imgdex", "config.json")
}

func (b *fileBackend) load() error {
	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read config file %s: %w", b.path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&b.data); err != nil {
		b.data = make(map[string]any)
		return fmt.Errorf("could not parse config file %s: %w", b.path, err)
	}
	return nil
}

// save rewrites the whole file through a temp file and rename.
func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	switch v := b.data[key].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	var (
		n   int64
		err error
	)
	switch v := b.data[key].(type) {
	case nil:
		return 0, false, nil
	case int:
		return v, true, nil
	case json.Number:
		n, err = v.Int64()
		if err != nil {
			n, err = integralFloat(v)
		}
	case string:
		n, err = strconv.ParseInt(v, 10, 0)
	default:
		err = fmt.Errorf("unexpected %T", v)
	}
	if err != nil || n < math.MinInt || n > math.MaxInt {
		return 0, true, fmt.Errorf("invalid integer for %s: %v", key, b.data[key])
	}
	return int(n), true, nil
}

// integralFloat accepts numbers written as floats, such as 15.0, when they
// hold a whole value.
func integralFloat(num json.Number) (int64, error) {
	f, err := num.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	return int64(f), nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}
