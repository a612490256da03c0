package warc

import (
	"os"
	"regexp"
	"strings"
	"time"
)

var templateVarPattern = regexp.MustCompile(`\{[a-zA-Z_]+\}`)

// TemplateContext supplies the values a PathTemplate substitutes. Missing
// variables resolve to "", per spec.md §4.3's documented missing-key policy.
type TemplateContext struct {
	User string
	Coll string
}

// PathTemplate is a pre-parsed destination path template, recognizing
// {user}, {coll}, {hostname}, and {timestamp} (14-digit UTC). Pre-parsing
// avoids the teacher's pattern of repeated ad hoc string interpolation
// (flagged in spec.md §9's "template path strings" redesign note).
type PathTemplate struct {
	raw      string
	segments []templateSegment
}

type templateSegment struct {
	literal string
	varName string // "" if this segment is a literal
}

// Compile parses raw into a PathTemplate. Recognized variables are
// {user}, {coll}, {hostname}, {timestamp}; any other {name} is left
// untouched (resolves to the literal text, since it is not one of ours).
func Compile(raw string) *PathTemplate {
	t := &PathTemplate{raw: raw}
	last := 0
	for _, loc := range templateVarPattern.FindAllStringIndex(raw, -1) {
		if loc[0] > last {
			t.segments = append(t.segments, templateSegment{literal: raw[last:loc[0]]})
		}
		name := strings.ToLower(raw[loc[0]+1 : loc[1]-1])
		switch name {
		case "user", "coll", "hostname", "timestamp":
			t.segments = append(t.segments, templateSegment{varName: name})
		default:
			t.segments = append(t.segments, templateSegment{literal: raw[loc[0]:loc[1]]})
		}
		last = loc[1]
	}
	if last < len(raw) {
		t.segments = append(t.segments, templateSegment{literal: raw[last:]})
	}
	return t
}

// Raw returns the original, uncompiled template string.
func (t *PathTemplate) Raw() string {
	return t.raw
}

// HasUserColl reports whether the template references {user} or {coll}.
func (t *PathTemplate) HasUserColl() bool {
	for _, seg := range t.segments {
		if seg.varName == "user" || seg.varName == "coll" {
			return true
		}
	}
	return false
}

// Resolve substitutes ctx's values (and the current hostname/timestamp)
// into the template, collapsing any run of repeated slashes that results
// from an empty substitution.
func (t *PathTemplate) Resolve(ctx TemplateContext) string {
	hostname, _ := os.Hostname()
	timestamp := time.Now().UTC().Format("20060102150405")

	var b strings.Builder
	for _, seg := range t.segments {
		switch seg.varName {
		case "":
			b.WriteString(seg.literal)
		case "user":
			b.WriteString(ctx.User)
		case "coll":
			b.WriteString(ctx.Coll)
		case "hostname":
			b.WriteString(hostname)
		case "timestamp":
			b.WriteString(timestamp)
		}
	}
	return collapseSlashes(b.String())
}

func collapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
