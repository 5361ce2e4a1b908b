package links

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
)

// Alias rewrites one host spelling into the canonical one.
type Alias struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Blocked is a link shape rejected before a job is ever queued.
type Blocked struct {
	Contains string `yaml:"contains"`
	Reason   string `yaml:"reason"`
}

// Rules drives link detection, normalization and admission.
type Rules struct {
	// Patterns are substrings that make a chat message a download request.
	Patterns []string  `yaml:"patterns"`
	Aliases  []Alias   `yaml:"aliases"`
	Blocked  []Blocked `yaml:"blocked"`
}

// DefaultRules mirrors the file-hosting links the service was built for.
func DefaultRules() Rules {
	return Rules{
		Patterns: []string{"terabox", "1024terabox", "terasharefile"},
		Aliases: []Alias{
			{From: "teraboxurl.com", To: "1024terabox.com"},
			{From: "terabox.app", To: "1024terabox.com"},
		},
		Blocked: []Blocked{
			{Contains: "/wap/", Reason: "Mobile/WAP links are not supported, send the desktop link"},
			{Contains: "filelist", Reason: "Folder links are not supported, send a link to a single file"},
		},
	}
}

// Load reads rules from a yaml file. An empty path returns DefaultRules.
func Load(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read link rules: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("failed to parse link rules yaml: %w", err)
	}
	if len(r.Patterns) == 0 {
		return Rules{}, fmt.Errorf("link rules %s define no patterns", path)
	}
	return r, nil
}

// Normalize trims the URL, drops "www." and applies host aliases. Only the host is
// rewritten; links without a scheme fall back to plain substring replacement.
func (r Rules) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return r.normalizeText(s)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	for _, a := range r.Aliases {
		if a.From != "" && host == strings.ToLower(a.From) {
			host = a.To
		}
	}
	u.Host = host
	return u.String()
}

func (r Rules) normalizeText(s string) string {
	s = strings.Replace(s, "://www.", "://", 1)
	s = strings.TrimPrefix(s, "www.")
	for _, a := range r.Aliases {
		if a.From != "" {
			s = strings.ReplaceAll(s, a.From, a.To)
		}
	}
	return s
}

// Admit normalizes raw and rejects blocked shapes with a KindBlockedLink error.
func (r Rules) Admit(raw string) (string, error) {
	u := r.Normalize(raw)
	for _, b := range r.Blocked {
		if b.Contains != "" && strings.Contains(u, b.Contains) {
			return "", domain.E(domain.KindBlockedLink, "links.admit", b.Reason, nil)
		}
	}
	return u, nil
}

// Matches reports whether text mentions a supported link pattern.
func (r Rules) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range r.Patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Extract returns the first whitespace separated token of text that looks like a
// supported link, or the trimmed text itself when no token qualifies.
func (r Rules) Extract(text string) string {
	for _, tok := range strings.Fields(text) {
		if r.Matches(tok) {
			return strings.Trim(tok, "<>()[]\"'")
		}
	}
	return strings.TrimSpace(text)
}
