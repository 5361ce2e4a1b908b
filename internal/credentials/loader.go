package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// Manifest is the optional credentials.yaml describing which cookie file serves which site.
type Manifest struct {
	Cooldown    string  `yaml:"cooldown"`
	Credentials []Entry `yaml:"credentials"`
}

// Entry binds one cookie file to its match rule.
type Entry struct {
	Name  string     `yaml:"name"`
	File  string     `yaml:"file"`
	Match MatchEntry `yaml:"match"`
}

// MatchEntry is the yaml form of domain.MatchRule. A "*" in any list means wildcard.
type MatchEntry struct {
	Hosts    []string `yaml:"hosts"`
	Suffixes []string `yaml:"suffixes"`
	Contains []string `yaml:"contains"`
}

// Loader reads the credential directory once at startup.
type Loader struct {
	dir          string
	manifestPath string
	logger       logger.Logger
}

// NewLoader creates a loader for dir. manifestPath may point to a missing file.
func NewLoader(dir, manifestPath string, log logger.Logger) *Loader {
	return &Loader{
		dir:          dir,
		manifestPath: manifestPath,
		logger:       log,
	}
}

// Load returns the credentials and the manifest cooldown (zero when unset).
//
// With a manifest, only listed files are loaded. Without one, every *.txt file in the
// directory becomes a wildcard credential named after its stem.
func (l *Loader) Load() ([]*domain.Credential, time.Duration, error) {
	m, err := l.readManifest()
	if err != nil {
		return nil, 0, err
	}
	if m == nil {
		creds, err := l.scanDir()
		return creds, 0, err
	}

	var cooldown time.Duration
	if m.Cooldown != "" {
		cooldown, err = time.ParseDuration(m.Cooldown)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid cooldown %q in %s: %w", m.Cooldown, l.manifestPath, err)
		}
	}

	seen := make(map[string]bool, len(m.Credentials))
	creds := make([]*domain.Credential, 0, len(m.Credentials))
	for i, e := range m.Credentials {
		if e.File == "" {
			return nil, 0, fmt.Errorf("credential #%d in %s has no file", i+1, l.manifestPath)
		}
		name := e.Name
		if name == "" {
			name = stem(e.File)
		}
		if seen[name] {
			return nil, 0, fmt.Errorf("duplicate credential name %q in %s", name, l.manifestPath)
		}
		seen[name] = true

		path := e.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(l.dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			l.logger.Warn("credential file missing, skipping",
				logger.String("credential", name),
				logger.String("path", path),
				logger.Error(err))
			continue
		}

		rule := toRule(e.Match)
		if !rule.Any && len(rule.Hosts)+len(rule.Suffixes)+len(rule.Contains) == 0 {
			return nil, 0, fmt.Errorf("credential %q in %s has an empty match rule", name, l.manifestPath)
		}
		creds = append(creds, &domain.Credential{Name: name, Path: path, Rule: rule})
	}

	l.logger.Info("credentials loaded from manifest",
		logger.String("manifest", l.manifestPath),
		logger.Int("count", len(creds)))
	return creds, cooldown, nil
}

func (l *Loader) readManifest() (*Manifest, error) {
	if l.manifestPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(l.manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse credential manifest: %w", err)
	}
	return &m, nil
}

func (l *Loader) scanDir() ([]*domain.Credential, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential dir: %w", err)
	}
	sort.Strings(matches)

	creds := make([]*domain.Credential, 0, len(matches))
	for _, path := range matches {
		creds = append(creds, &domain.Credential{
			Name: stem(path),
			Path: path,
			Rule: domain.MatchRule{Any: true},
		})
	}
	l.logger.Info("no credential manifest, loaded every cookie file as generic",
		logger.String("dir", l.dir),
		logger.Int("count", len(creds)))
	return creds, nil
}

func toRule(m MatchEntry) domain.MatchRule {
	var r domain.MatchRule
	r.Hosts, r.Any = normalizeList(m.Hosts, r.Any)
	r.Suffixes, r.Any = normalizeList(m.Suffixes, r.Any)
	r.Contains, r.Any = normalizeList(m.Contains, r.Any)
	return r
}

func normalizeList(in []string, wildcard bool) ([]string, bool) {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimPrefix(v, "www.")
		switch v {
		case "":
		case "*":
			wildcard = true
		default:
			out = append(out, v)
		}
	}
	return out, wildcard
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
