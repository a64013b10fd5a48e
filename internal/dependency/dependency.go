// Package dependency resolves an execution's PRD-level dependency
// strings against git branch names, without keeping a persistent graph:
// every resolution is a fresh scan of PRD frontmatter plus a lookup
// against the state store's active and archived executions.
package dependency

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ralph-mcp/ralph/internal/prd"
	"github.com/ralph-mcp/ralph/internal/state"
	"github.com/ralph-mcp/ralph/pkg/models"
)

// Result is the shape returned to callers: satisfied is true only when
// every declared dependency resolves to a completed/merged record.
type Result struct {
	Satisfied bool
	Pending   []string
	Completed []string
}

// Resolver scans prdDirs for frontmatter when a dependency token cannot
// be resolved by filename alone.
type Resolver struct {
	store      *state.Store
	branchPrefix string
	prdDirs    []string
}

// New builds a Resolver. prdDirs should include the PRD directory and
// the project's tasks/ directory; branchPrefix is prepended to
// non-path-like dependency tokens.
func New(store *state.Store, branchPrefix string, prdDirs ...string) *Resolver {
	return &Resolver{store: store, branchPrefix: branchPrefix, prdDirs: prdDirs}
}

// Normalize strips a `.md`/`.json` suffix, converts Windows separators,
// drops any leading path, and — for tokens with no `/` — prepends the
// branch prefix so the token reads as a branch-like ref.
func Normalize(token, branchPrefix string) string {
	token = strings.ReplaceAll(token, "\\", "/")
	token = filepath.Base(token)
	token = strings.TrimSuffix(token, ".md")
	token = strings.TrimSuffix(token, ".json")
	if strings.Contains(token, "/") {
		return token
	}
	if branchPrefix == "" {
		return token
	}
	return strings.TrimRight(branchPrefix, "/") + "/" + token
}

// Resolve evaluates every dependency declared on exec.
func (r *Resolver) Resolve(exec *models.Execution) (Result, error) {
	var res Result
	res.Satisfied = true

	for _, dep := range exec.Dependencies {
		satisfied, err := r.resolveOne(dep)
		if err != nil {
			return Result{}, err
		}
		if satisfied {
			res.Completed = append(res.Completed, dep)
		} else {
			res.Pending = append(res.Pending, dep)
			res.Satisfied = false
		}
	}
	return res, nil
}

func (r *Resolver) resolveOne(token string) (bool, error) {
	normalized := Normalize(token, r.branchPrefix)

	fm, found := r.findFrontmatter(token, normalized)
	if found && (fm.Status == "completed" || fm.Status == "merged") {
		return true, nil
	}

	candidates := r.candidateBranches(token, normalized, fm)
	for _, branch := range candidates {
		if ok, err := r.branchCompletedOrMerged(branch); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) findFrontmatter(token, normalized string) (prd.Frontmatter, bool) {
	base := filepath.Base(normalized)
	for _, dir := range r.prdDirs {
		for _, ext := range []string{".md", ".json"} {
			path := filepath.Join(dir, base+ext)
			if fm, err := prd.ReadFrontmatter(path); err == nil {
				return fm, true
			}
		}
	}

	for _, dir := range r.prdDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			fm, err := prd.ReadFrontmatter(path)
			if err != nil {
				continue
			}
			if matchesFrontmatter(fm, token, normalized) {
				return fm, true
			}
		}
	}
	return prd.Frontmatter{}, false
}

func matchesFrontmatter(fm prd.Frontmatter, token, normalized string) bool {
	candidates := []string{fm.ID, fm.Slug, fm.Branch, fm.BranchName}
	for _, c := range candidates {
		if c != "" && (c == token || c == normalized) {
			return true
		}
	}
	for _, alias := range fm.Aliases {
		if alias == token || alias == normalized {
			return true
		}
	}
	return false
}

func (r *Resolver) candidateBranches(token, normalized string, fm prd.Frontmatter) []string {
	var candidates []string
	if fm.Branch != "" {
		candidates = append(candidates, fm.Branch)
	}
	if fm.BranchName != "" {
		candidates = append(candidates, fm.BranchName)
	}
	candidates = append(candidates, normalized)
	if normalized != token {
		candidates = append(candidates, token)
	}
	if fm.Title != "" {
		candidates = append(candidates, r.branchFromTitle(fm.Title))
	}
	return dedupe(candidates)
}

// branchFromTitle slugifies a PRD title into a branch-like name under
// the resolver's prefix, mirroring how a launched execution's own
// branch is generated from its PRD title.
func (r *Resolver) branchFromTitle(title string) string {
	var b strings.Builder
	lastDash := true
	for _, c := range strings.ToLower(title) {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return ""
	}
	if r.branchPrefix == "" {
		return slug
	}
	return strings.TrimRight(r.branchPrefix, "/") + "/" + slug
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (r *Resolver) branchCompletedOrMerged(branch string) (bool, error) {
	if exec, err := r.store.FindByBranch(branch); err != nil {
		return false, err
	} else if exec != nil {
		return exec.Status == models.StatusCompleted || exec.Status == models.StatusMerged, nil
	}

	archived, err := r.store.ListArchivedExecutions(0)
	if err != nil {
		return false, err
	}
	for _, a := range archived {
		if a.Branch == branch && (a.Status == models.StatusCompleted || a.Status == models.StatusMerged) {
			return true, nil
		}
	}
	return false, nil
}
