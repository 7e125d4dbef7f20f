package policy

import (
	"regexp"
	"strings"

	"github.com/qmx/qcode/model"
)

// shellMetacharacters are individually rejected in any argument — the
// subprocess is never spawned through a shell, so these would only ever be
// literal characters passed to exec, but rejecting them catches callers that
// assumed shell semantics and would otherwise get silently wrong behavior.
var shellMetacharacters = []string{";", "|", "&", ">", "<", "`", "$("}

// ValidateCommand checks cmd+args against the deny list, then the allow
// list, then rejects any argument containing an unescaped shell
// metacharacter. Deny always wins over allow.
func (pol *Policy) ValidateCommand(cmd string, args []string) error {
	display := cmd
	if len(args) > 0 {
		display = cmd + " " + strings.Join(args, " ")
	}

	for _, g := range pol.DenyCommandGlobs {
		matched, err := matchCommandGlob(g, display)
		if err != nil {
			return model.Newf(model.Unknown, "invalid deny command glob %q: %v", g, err)
		}
		if matched {
			return model.Newf(model.CommandDenied, "command %q matches deny pattern %q", display, g)
		}
	}

	allowed := false
	for _, g := range pol.AllowCommandGlobs {
		matched, err := matchCommandGlob(g, display)
		if err != nil {
			return model.Newf(model.Unknown, "invalid allow command glob %q: %v", g, err)
		}
		if matched {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.Newf(model.CommandNotAllowed, "command %q does not match any allowed pattern", display)
	}

	for _, a := range args {
		for _, meta := range shellMetacharacters {
			if strings.Contains(a, meta) {
				return model.Newf(model.CommandNotAllowed, "argument %q contains disallowed shell metacharacter %q", a, meta)
			}
		}
	}

	return nil
}

// matchCommandGlob matches a shell-command glob pattern against the full
// "cmd arg1 arg2" display string, case-insensitive. Unlike a path-glob
// library, "*" here must cross "/" freely — command arguments are
// frequently paths (`git diff src/foo.go`, `rm -rf /`) and a
// segment-bounded glob would reject them even when an allow pattern of
// "*" is meant to match anything. matchCommandGlob therefore treats "*"
// and "?" as ordinary shell-style wildcards over the whole string rather
// than reusing the path-glob matcher from policy.go.
func matchCommandGlob(pattern, command string) (bool, error) {
	re, err := compileCommandGlob(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(command), nil
}

// compileCommandGlob turns a "*"/"?" shell-style pattern into an anchored,
// case-insensitive regexp: "*" matches any run of characters (including
// "/" and whitespace), "?" matches exactly one, everything else is
// matched literally.
func compileCommandGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
