// Package policy is the single source of truth for "is this path reachable?"
// and "is this command runnable?". Every tool routes filesystem and
// subprocess intent through it. It is stateless and pure: the same inputs
// always produce the same outcome.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qmx/qcode/model"
)

// PathMode is the access mode a path is being validated for.
type PathMode int

const (
	Read PathMode = iota
	Write
	Dir
)

// Policy is the immutable security policy for one engine instance.
type Policy struct {
	AllowedRoots       []string
	ForbiddenPathGlobs []string
	AllowOutsideRoots  bool
	AllowCommandGlobs  []string
	DenyCommandGlobs   []string
}

// New builds a Policy, canonicalizing every root up front so later
// descendant checks never re-derive it.
func New(allowedRoots, forbiddenPathGlobs []string, allowOutsideRoots bool, allowCommandGlobs, denyCommandGlobs []string) (*Policy, error) {
	if len(allowedRoots) == 0 {
		return nil, model.New(model.InvalidQuery, "security policy requires at least one allowed root")
	}
	canon := make([]string, 0, len(allowedRoots))
	for _, r := range allowedRoots {
		c, err := canonicalize(r)
		if err != nil {
			return nil, model.Newf(model.Unknown, "canonicalize root %q: %v", r, err)
		}
		canon = append(canon, c)
	}
	return &Policy{
		AllowedRoots:       canon,
		ForbiddenPathGlobs: forbiddenPathGlobs,
		AllowOutsideRoots:  allowOutsideRoots,
		AllowCommandGlobs:  allowCommandGlobs,
		DenyCommandGlobs:   denyCommandGlobs,
	}, nil
}

// canonicalize resolves p to an absolute, normalized path, relative to the
// process working directory when p is relative. Symlinks are resolved when
// possible; if the path does not exist yet (e.g. a write target), the
// syntactic Abs/Clean form is used instead.
func canonicalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		var err error
		abs, err = filepath.Abs(abs)
		if err != nil {
			return "", err
		}
	}
	abs = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// isDescendant reports whether canonical path p is root or a descendant of
// root, using a textual comparison on already-canonicalized paths — never a
// prefix-of-string test on raw input, per the anti-traversal invariant.
func isDescendant(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}

// ValidatePath canonicalizes p and checks it against the allowed roots and
// forbidden globs, then confirms the filesystem state matches mode. Write
// mode requires the parent directory to already exist; callers that want a
// missing parent created use ValidatePathCreatingParents instead.
func (pol *Policy) ValidatePath(p string, mode PathMode) (string, error) {
	canon, err := pol.checkedCanonical(p)
	if err != nil {
		return "", err
	}

	switch mode {
	case Read:
		info, err := os.Stat(canon)
		if err != nil {
			return "", model.Newf(model.Unknown, "path %q does not exist: %v", p, err)
		}
		if info.IsDir() {
			return "", model.Newf(model.ToolValidationError, "path %q is a directory, not a file", p)
		}
	case Dir:
		info, err := os.Stat(canon)
		if err != nil {
			return "", model.Newf(model.Unknown, "directory %q does not exist: %v", p, err)
		}
		if !info.IsDir() {
			return "", model.Newf(model.ToolValidationError, "path %q is not a directory", p)
		}
	case Write:
		parent := filepath.Dir(canon)
		if info, err := os.Stat(parent); err != nil || !info.IsDir() {
			return "", model.Newf(model.ToolValidationError, "parent directory %q does not exist", parent)
		}
	}

	return canon, nil
}

// ValidatePathCreatingParents is ValidatePath's Write-mode check plus
// creation of any missing parent directory tree. Callers only reach for
// this when the caller has explicitly opted into "optionally create parent
// directories" semantics (e.g. create_file's createParents flag) — absent
// that opt-in, a missing parent is an error, not a silent mkdir.
func (pol *Policy) ValidatePathCreatingParents(p string) (string, error) {
	canon, err := pol.checkedCanonical(p)
	if err != nil {
		return "", err
	}
	parent := filepath.Dir(canon)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", model.Newf(model.Unknown, "cannot create parent directory for %q: %v", p, err)
	}
	return canon, nil
}

// checkedCanonical canonicalizes p and checks it against the allowed roots
// and forbidden globs — the mode-independent portion shared by ValidatePath
// and ValidatePathCreatingParents.
func (pol *Policy) checkedCanonical(p string) (string, error) {
	if p == "" {
		return "", model.New(model.InvalidQuery, "path must not be empty")
	}

	canon, err := canonicalize(p)
	if err != nil {
		return "", model.Newf(model.PathOutsideWorkspace, "cannot resolve path %q: %v", p, err)
	}

	if !pol.AllowOutsideRoots {
		inRoot := false
		for _, root := range pol.AllowedRoots {
			if isDescendant(root, canon) {
				inRoot = true
				break
			}
		}
		if !inRoot {
			return "", model.Newf(model.PathOutsideWorkspace, "path %q is outside the allowed workspace roots", p)
		}
	}

	for _, g := range pol.ForbiddenPathGlobs {
		matched, err := matchPathGlob(g, canon)
		if err != nil {
			return "", model.Newf(model.Unknown, "invalid forbidden path glob %q: %v", g, err)
		}
		if matched {
			return "", model.Newf(model.ForbiddenPathPattern, "path %q matches forbidden pattern %q", p, g)
		}
	}

	return canon, nil
}

// IsForbidden reports whether an already-canonical path matches one of the
// forbidden path globs, without the root/existence checks ValidatePath also
// performs. Callers walking a tree they already know is in-root (e.g. list,
// search) use this to skip entries mid-traversal.
func (pol *Policy) IsForbidden(canonPath string) (bool, error) {
	for _, g := range pol.ForbiddenPathGlobs {
		matched, err := matchPathGlob(g, canonPath)
		if err != nil {
			return false, model.Newf(model.Unknown, "invalid forbidden path glob %q: %v", g, err)
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// matchPathGlob matches a canonical absolute path against a forbidden-path
// glob. A relative pattern ("**/.git/**") is matched against the path with
// its leading "/" removed, so "**/.env*" matches "/ws/.env" as well as
// "/ws/sub/.env"; a pattern starting with "/" is matched against the
// absolute path as is.
func matchPathGlob(pattern, canonPath string) (bool, error) {
	slashPath := filepath.ToSlash(canonPath)
	matchOn := slashPath
	if !strings.HasPrefix(pattern, "/") {
		matchOn = strings.TrimPrefix(slashPath, "/")
	}
	if runtimeCaseInsensitiveFS() {
		return doublestar.Match(strings.ToLower(pattern), strings.ToLower(matchOn))
	}
	return doublestar.Match(pattern, matchOn)
}

// runtimeCaseInsensitiveFS folds path-glob comparisons on platforms whose
// filesystem is case-insensitive (matches path globs "case-sensitive on
// path patterns (platform-appropriate ... fold both sides)").
func runtimeCaseInsensitiveFS() bool {
	return isCaseInsensitiveOS()
}
