package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one third-party resolution provider.
type ProviderConfig struct {
	Name string `json:"name" yaml:"name"`

	// URL is a request template; every "{url}" is replaced by the
	// query-escaped target.
	URL string `json:"url" yaml:"url"`

	// ParseJSON marks structured providers whose answer lives in the
	// ResponseKey field of a JSON object.
	ParseJSON   bool   `json:"parse_json"   yaml:"parse_json"`
	ResponseKey string `json:"response_key" yaml:"response_key"`
}

// Source yields the ordered provider list.
type Source interface {
	Providers(ctx context.Context) ([]ProviderConfig, error)
}

// providerFile is the on-disk shape: {"apis": [...]}.
type providerFile struct {
	APIs []ProviderConfig `json:"apis" yaml:"apis"`
}

// FileSource reads providers from a JSON or YAML file on every call, so
// edits take effect without a restart. A missing file yields no providers.
type FileSource struct {
	path string
}

// NewFileSource returns a source for path. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the file path.
func (s *FileSource) Path() string { return s.path }

// Providers reads and parses the file.
func (s *FileSource) Providers(_ context.Context) ([]ProviderConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading providers file: %w", err)
	}

	var pf providerFile
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &pf)
	default:
		err = json.Unmarshal(data, &pf)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing providers file %s: %w", s.path, err)
	}
	return pf.APIs, nil
}

// Ping reports whether the file yields at least one provider. Used by deep
// readiness checks.
func (s *FileSource) Ping(ctx context.Context) error {
	ps, err := s.Providers(ctx)
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		return ErrNoProviderConfigured
	}
	return nil
}

// StaticSource is a fixed provider list.
type StaticSource []ProviderConfig

// Providers returns a copy of the list.
func (s StaticSource) Providers(_ context.Context) ([]ProviderConfig, error) {
	return append([]ProviderConfig(nil), s...), nil
}
