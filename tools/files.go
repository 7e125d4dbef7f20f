// Package tools implements the concrete tool set dispatched through the
// registry: file access, in-place edits, sandboxed shell execution, and
// LLM-assisted project classification.
package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/policy"
	"github.com/qmx/qcode/registry"
)

// skipDirs are never descended into during list/search traversal — large,
// generated, or version-control directories with no value for code search.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	".qcode":       true,
}

func shouldSkipDir(name string) bool {
	return skipDirs[name]
}

const (
	maxTextRead    = 5 * 1 << 20 // 5 MiB
	binarySampleSz = 8 * 1024
)

type filesInput struct {
	Operation       string `json:"operation"`
	Path            string `json:"path"`
	StartLine       int    `json:"startLine"`
	EndLine         int    `json:"endLine"`
	Encoding        string `json:"encoding"`
	Pattern         string `json:"pattern"`
	Recursive       bool   `json:"recursive"`
	IncludeHidden   bool   `json:"includeHidden"`
	IncludeMetadata bool   `json:"includeMetadata"`
	Query           string `json:"query"`
	UseRegex        bool   `json:"useRegex"`
	CaseSensitive   bool   `json:"caseSensitive"`
	MaxResults      int    `json:"maxResults"`
	IncludeContext  bool   `json:"includeContext"`
}

// filesSchema describes the internal:files discriminated-union contract.
var filesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"operation": {"type": "string", "enum": ["read", "list", "search"]},
		"path": {"type": "string"},
		"startLine": {"type": "integer"},
		"endLine": {"type": "integer"},
		"encoding": {"type": "string"},
		"pattern": {"type": "string"},
		"recursive": {"type": "boolean"},
		"includeHidden": {"type": "boolean"},
		"includeMetadata": {"type": "boolean"},
		"query": {"type": "string"},
		"useRegex": {"type": "boolean"},
		"caseSensitive": {"type": "boolean"},
		"maxResults": {"type": "integer"},
		"includeContext": {"type": "boolean"}
	},
	"required": ["operation"]
}`)

func filesExecute(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid arguments: %v", err)
	}
	var in filesInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid arguments: %v", err)
	}

	switch in.Operation {
	case "read":
		return filesRead(tc, in)
	case "list":
		return filesList(tc, in)
	case "search":
		includeContext := true
		if v, ok := args["includeContext"].(bool); ok {
			includeContext = v
		}
		return filesSearch(ctx, tc, in, includeContext)
	default:
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "unknown files operation %q", in.Operation)
	}
}

func filesRead(tc *registry.ToolContext, in filesInput) (model.ToolResult, error) {
	if in.Path == "" {
		return model.ToolResult{}, model.New(model.InvalidQuery, "path is required")
	}
	canon, err := tc.Policy.ValidatePath(resolveAgainst(tc, in.Path), policy.Read)
	if err != nil {
		return model.ToolResult{}, err
	}

	data, err := os.ReadFile(canon)
	if err != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "read %s: %v", in.Path, err)
	}

	encoding := in.Encoding
	if encoding == "" {
		encoding = "UTF-8"
	}
	if encoding == "UTF-8" || encoding == "" {
		sample := data
		if len(sample) > binarySampleSz {
			sample = sample[:binarySampleSz]
		}
		if looksBinary(sample) {
			return model.ToolResult{}, model.Newf(model.ToolValidationError, "binary file: %s", in.Path)
		}
	}

	truncated := false
	if len(data) > maxTextRead {
		data = data[:maxTextRead]
		truncated = true
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	start := in.StartLine
	if start <= 0 {
		start = 1
	}
	end := in.EndLine
	if end <= 0 {
		end = totalLines
	}
	if start > end {
		return model.ToolResult{}, model.Newf(model.InvalidLineNumber, "startLine %d exceeds endLine %d", start, end)
	}
	if end > totalLines {
		return model.ToolResult{}, model.Newf(model.InvalidLineNumber, "endLine %d exceeds file length %d", end, totalLines)
	}

	selected := strings.Join(lines[start-1:end], "\n")

	return model.Ok("internal", "files", map[string]any{
		"content":   selected,
		"path":      canon,
		"lines":     totalLines,
		"size":      len(data),
		"encoding":  encoding,
		"truncated": truncated,
	}, 0), nil
}

type fileEntry struct {
	Name         string `json:"name"`
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
	IsDirectory  bool   `json:"isDirectory"`
	Modified     string `json:"modified,omitempty"`
}

func filesList(tc *registry.ToolContext, in filesInput) (model.ToolResult, error) {
	target := in.Path
	if target == "" {
		target = "."
	}
	canon, err := tc.Policy.ValidatePath(resolveAgainst(tc, target), policy.Dir)
	if err != nil {
		return model.ToolResult{}, err
	}

	var entries []fileEntry
	walk := func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if path == canon {
			return nil
		}
		name := d.Name()
		if !in.IncludeHidden && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && shouldSkipDir(name) {
			return filepath.SkipDir
		}
		if fbidden, _ := tc.Policy.IsForbidden(path); fbidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if in.Pattern != "" && !d.IsDir() {
			matched, _ := doublestar.Match(in.Pattern, name)
			if !matched {
				return nil
			}
		}

		info, ierr := d.Info()
		var size int64
		var modified string
		if ierr == nil {
			size = info.Size()
			if in.IncludeMetadata {
				modified = info.ModTime().UTC().Format(time.RFC3339)
			}
		}
		rel, _ := filepath.Rel(canon, path)
		entries = append(entries, fileEntry{
			Name:         name,
			RelativePath: filepath.ToSlash(rel),
			Size:         size,
			IsDirectory:  d.IsDir(),
			Modified:     modified,
		})
		if d.IsDir() && !in.Recursive {
			return filepath.SkipDir
		}
		return nil
	}

	if err := filepath.WalkDir(canon, walk); err != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "list %s: %v", in.Path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })

	return model.Ok("internal", "files", map[string]any{
		"files":   entries,
		"path":    canon,
		"count":   len(entries),
		"pattern": in.Pattern,
	}, 0), nil
}

type searchMatch struct {
	File    string        `json:"file"`
	Line    int           `json:"line"`
	Column  int           `json:"column"`
	Match   string        `json:"match"`
	Context *matchContext `json:"context,omitempty"`
}

type matchContext struct {
	Before []string `json:"before"`
	After  []string `json:"after"`
}

func filesSearch(ctx context.Context, tc *registry.ToolContext, in filesInput, includeContext bool) (model.ToolResult, error) {
	if strings.TrimSpace(in.Query) == "" {
		return model.ToolResult{}, model.New(model.InvalidQuery, "query is required")
	}

	maxResults := in.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}

	var re *regexp.Regexp
	if in.UseRegex {
		pattern := in.Query
		if !in.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid regex: %v", err)
		}
		re = compiled
	}

	searchRoot := tc.WorkingDirectory
	if in.Path != "" {
		canon, err := tc.Policy.ValidatePath(resolveAgainst(tc, in.Path), policy.Dir)
		if err != nil {
			return model.ToolResult{}, err
		}
		searchRoot = canon
	}

	needle := in.Query
	if !in.CaseSensitive && re == nil {
		needle = strings.ToLower(needle)
	}

	var matches []searchMatch
	totalMatches := 0
	truncated := false

	walkErr := filepath.WalkDir(searchRoot, func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if shouldSkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if fbidden, _ := tc.Policy.IsForbidden(path); fbidden {
			return nil
		}
		if in.Pattern != "" {
			matched, _ := doublestar.Match(in.Pattern, d.Name())
			if !matched {
				return nil
			}
		}
		if fileLooksBinary(path) {
			return nil
		}

		lines, err := readLines(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(tc.WorkingDirectory, path)
		rel = filepath.ToSlash(rel)

		for i, line := range lines {
			var col int
			var hit string
			if re != nil {
				loc := re.FindStringIndex(line)
				if loc == nil {
					continue
				}
				col, hit = loc[0], line[loc[0]:loc[1]]
			} else {
				hay := line
				if !in.CaseSensitive {
					hay = strings.ToLower(line)
				}
				idx := strings.Index(hay, needle)
				if idx < 0 {
					continue
				}
				col, hit = idx, in.Query
			}

			totalMatches++
			if len(matches) >= maxResults {
				truncated = true
				continue
			}
			m := searchMatch{File: rel, Line: i + 1, Column: col, Match: hit}
			if includeContext {
				m.Context = &matchContext{
					Before: contextSlice(lines, i, -3),
					After:  contextSlice(lines, i, 3),
				}
			}
			matches = append(matches, m)
		}
		return nil
	})
	if walkErr != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "search: %v", walkErr)
	}

	return model.Ok("internal", "files", map[string]any{
		"matches":      matches,
		"totalMatches": totalMatches,
		"truncated":    truncated,
	}, 0), nil
}

func contextSlice(lines []string, center, dir int) []string {
	if dir < 0 {
		start := center + dir
		if start < 0 {
			start = 0
		}
		return append([]string{}, lines[start:center]...)
	}
	end := center + 1 + dir
	if end > len(lines) {
		end = len(lines)
	}
	return append([]string{}, lines[center+1:end]...)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func fileLooksBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, binarySampleSz)
	n, _ := f.Read(buf)
	return looksBinary(buf[:n])
}

// looksBinary samples for a NUL byte or an elevated ratio of non-UTF-8/control bytes.
func looksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if bytesContainNUL(sample) {
		return true
	}
	bad := 0
	for i := 0; i < len(sample); {
		r, size := utf8.DecodeRune(sample[i:])
		if r == utf8.RuneError && size == 1 {
			bad++
			i++
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			bad++
		}
		i += size
	}
	return float64(bad)/float64(len(sample)) > 0.05
}

func bytesContainNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func resolveAgainst(tc *registry.ToolContext, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(tc.WorkingDirectory, p)
}

