// Package prd reads PRD frontmatter: the small slice of PRD parsing the
// core actually depends on (status/mergeSha/id/aliases bookkeeping used
// by the reconciler and dependency resolver). Turning a PRD body into a
// title, description, and user-story list is an external collaborator's
// job; this package only reads the YAML frontmatter block.
package prd

import (
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Frontmatter is the subset of PRD metadata the core consumes directly.
type Frontmatter struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Slug        string    `yaml:"slug"`
	Aliases     []string  `yaml:"aliases"`
	Branch      string    `yaml:"branch"`
	BranchName  string    `yaml:"branchName"`
	Status      string    `yaml:"status"`
	MergeSha    string    `yaml:"mergeSha"`
	ExecutedAt  time.Time `yaml:"executedAt"`
	Dependencies []string `yaml:"dependencies"`
}

// ParsedUserStory is one entry of ParsedPrd.UserStories: enough of a
// story for the core to seed a models.UserStory from, without the core
// ever having to parse PRD body text itself.
type ParsedUserStory struct {
	ID                 string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Priority           int
}

// ParsedPrd is the external-collaborator shape named by the RPC surface;
// the core only ever reads Frontmatter and UserStories off of it.
type ParsedPrd struct {
	Title        string
	Description  string
	BranchName   string
	Priority     string
	UserStories  []ParsedUserStory
	Dependencies []string
	Frontmatter  Frontmatter
}

// ReadFrontmatter extracts the leading `---`-delimited YAML block from a
// PRD markdown file at path. Returns a zero Frontmatter if the file has
// no frontmatter block.
func ReadFrontmatter(path string) (Frontmatter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Frontmatter{}, err
	}
	return ParseFrontmatter(string(data))
}

// ParseFrontmatter extracts frontmatter from already-read markdown text.
func ParseFrontmatter(content string) (Frontmatter, error) {
	content = strings.TrimLeft(content, "﻿ \t\r\n")
	if !strings.HasPrefix(content, "---") {
		return Frontmatter{}, nil
	}
	rest := content[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return Frontmatter{}, nil
	}
	block := rest[:end]

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return Frontmatter{}, err
	}
	return fm, nil
}
