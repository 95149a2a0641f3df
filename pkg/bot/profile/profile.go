// Package profile resolves the embedded system prompts offered to LLM bots.
package profile

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

const DefaultName = "default"

//go:embed templates/*.md
var templatesFS embed.FS

// Resolve returns the named system prompt. An empty name selects the default.
func Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}

	content, err := templatesFS.ReadFile(templatePath(name))
	if err != nil {
		return "", fmt.Errorf("load %s profile template: %w", name, err)
	}

	profile := strings.TrimSpace(string(content))
	if profile == "" {
		return "", fmt.Errorf("profile template %q is empty", name)
	}

	return profile, nil
}

// Names lists the embedded profiles.
func Names() []string {
	entries, err := fs.ReadDir(templatesFS, "templates")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), path.Ext(entry.Name())))
	}
	slices.Sort(names)
	return names
}

func templatePath(name string) string {
	return "templates/" + strings.TrimSpace(name) + ".md"
}
