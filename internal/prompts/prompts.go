// Package prompts holds the prompt and fixed-message catalog and the
// placeholder renderer used to build completion prompts and call scripts.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultCatalog []byte

// Prompt names.
const (
	CoachReply        = "coach_reply"
	Importance        = "importance"
	Achievements      = "achievements"
	Summary           = "summary"
	MessageSummary    = "message_summary"
	FocusAreas        = "focus_areas"
	DefaultCallScript = "default_call_script"
	FirstMessage      = "first_message"
)

// Fixed user-facing message names.
const (
	NotRegistered       = "not_registered"
	Inactive            = "inactive"
	Apology             = "apology"
	CallConfirmation    = "call_confirmation"
	WeeklyLimitExceeded = "weekly_limit_exceeded"
	CallFailed          = "call_failed"
)

var (
	// ErrUnknownEntry is returned when a name is not in the catalog.
	ErrUnknownEntry = errors.New("prompts: unknown entry")
	// ErrUnresolvedPlaceholder is returned when rendered text still contains
	// a ${placeholder}.
	ErrUnresolvedPlaceholder = errors.New("prompts: unresolved placeholder")
)

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Render substitutes ${name} placeholders with values from vars. Unknown
// placeholders are left in place.
func Render(tmpl string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// RenderStrict renders tmpl and fails if any placeholder is left unresolved.
func RenderStrict(tmpl string, vars map[string]string) (string, error) {
	out := Render(tmpl, vars)
	if left := Placeholders(out); len(left) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, strings.Join(left, ", "))
	}
	return out, nil
}

// Placeholders returns the sorted, distinct placeholder names in tmpl.
func Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// Entry is one catalog text with its declared placeholders.
type Entry struct {
	Placeholders []string `yaml:"placeholders"`
	Text         string   `yaml:"text"`
}

// Catalog is the parsed prompt catalog.
type Catalog struct {
	Version  int              `yaml:"version"`
	Prompts  map[string]Entry `yaml:"prompts"`
	Messages map[string]Entry `yaml:"messages"`
}

// Parse decodes a YAML catalog and validates it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a catalog from path, falling back to the embedded catalog
// when path is empty.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	slog.Info("Catalog.LoadFile: prompt catalog loaded", "path", path, "prompts", len(c.Prompts), "messages", len(c.Messages))
	return c, nil
}

// Validate checks that every entry uses exactly the placeholders it declares.
func (c *Catalog) Validate() error {
	var errs []error
	check := func(kind string, entries map[string]Entry) {
		for name, e := range entries {
			if strings.TrimSpace(e.Text) == "" {
				errs = append(errs, fmt.Errorf("%s %q has empty text", kind, name))
				continue
			}
			declared := map[string]bool{}
			for _, p := range e.Placeholders {
				declared[p] = true
			}
			used := map[string]bool{}
			for _, p := range Placeholders(e.Text) {
				used[p] = true
				if !declared[p] {
					errs = append(errs, fmt.Errorf("%s %q uses undeclared placeholder %q", kind, name, p))
				}
			}
			for _, p := range e.Placeholders {
				if !used[p] {
					errs = append(errs, fmt.Errorf("%s %q declares unused placeholder %q", kind, name, p))
				}
			}
		}
	}
	check("prompt", c.Prompts)
	check("message", c.Messages)
	for _, name := range []string{CoachReply, Importance, Achievements, Summary, MessageSummary, FocusAreas, DefaultCallScript, FirstMessage} {
		if _, ok := c.Prompts[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: prompt %q missing", ErrUnknownEntry, name))
		}
	}
	for _, name := range []string{NotRegistered, Inactive, Apology, CallConfirmation, WeeklyLimitExceeded, CallFailed} {
		if _, ok := c.Messages[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: message %q missing", ErrUnknownEntry, name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid prompt catalog: %w", errors.Join(errs...))
	}
	return nil
}

func render(kind, name string, entries map[string]Entry, vars map[string]string) (string, error) {
	e, ok := entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrUnknownEntry, kind, name)
	}
	for _, p := range e.Placeholders {
		if _, ok := vars[p]; !ok {
			return "", fmt.Errorf("%w: %s %q needs %q", ErrUnresolvedPlaceholder, kind, name, p)
		}
	}
	return strings.TrimSpace(Render(e.Text, vars)), nil
}

// Prompt renders the named prompt. Every declared placeholder must be present
// in vars.
func (c *Catalog) Prompt(name string, vars map[string]string) (string, error) {
	return render("prompt", name, c.Prompts, vars)
}

// Message renders the named fixed message.
func (c *Catalog) Message(name string, vars map[string]string) (string, error) {
	return render("message", name, c.Messages, vars)
}

// MustMessage renders a fixed message with no placeholders. It returns the
// empty string for unknown names, which Validate rules out at startup.
func (c *Catalog) MustMessage(name string) string {
	text, err := c.Message(name, nil)
	if err != nil {
		slog.Error("Catalog.MustMessage: render failed", "name", name, "error", err)
		return ""
	}
	return text
}
