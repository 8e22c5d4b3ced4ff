// ABOUTME: Flat-name codec for the unified tool namespace.
// ABOUTME: Encodes (domain, tool) pairs and decodes description annotations.

package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scope identifies which namespace a flat name belongs to.
type Scope int

const (
	// ScopeWebsite marks tools advertised by a domain-bound session.
	ScopeWebsite Scope = iota
	// ScopeExtension marks host-scoped tools with no domain segment.
	ScopeExtension
)

const (
	prefixWebsite   = "website_"
	prefixExtension = "extension_"

	// DomainUnknown is used when a flat name carries no recoverable domain.
	DomainUnknown = "unknown"
)

var invalidChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Sanitize maps every character outside [A-Za-z0-9_] to an underscore.
func Sanitize(s string) string {
	return invalidChars.ReplaceAllString(s, "_")
}

// Encode builds the flat catalog name for a domain-scoped tool.
// Deterministic and stable for a given input pair.
func Encode(domain, tool string) string {
	d := Sanitize(domain)
	if d == "" {
		d = DomainUnknown
	}
	return prefixWebsite + d + "_" + Sanitize(tool)
}

// EncodeHost builds the flat catalog name for a host-scoped tool.
func EncodeHost(tool string) string {
	return prefixExtension + Sanitize(tool)
}

// Decoded is the best-effort reconstruction of a flat name plus the
// session metadata recovered from its description annotation.
type Decoded struct {
	Scope        Scope
	Domain       string
	Name         string
	IsActive     bool
	SessionCount int
	// SessionIndex is the 1-based index of the active session within the
	// domain group, or 0 when no session is active.
	SessionIndex int
}

var (
	sessionsSuffix = regexp.MustCompile(`^(.*) - (\d+) sessions$`)
	sessionActive  = regexp.MustCompile(`^Session (\d+) Active$`)
)

// Decode splits a flat name back into domain and tool name.
//
// The domain segment is recovered from the description annotation when one
// is present; that path is exact. Without a description the split falls
// back to the first underscore after the prefix, which is lossy for
// domains whose sanitized form itself contains underscores.
func Decode(flatName, description string) Decoded {
	if rest, ok := strings.CutPrefix(flatName, prefixExtension); ok {
		d := Decoded{Scope: ScopeExtension, Name: rest}
		applyAnnotation(&d, description)
		return d
	}

	rest, ok := strings.CutPrefix(flatName, prefixWebsite)
	if !ok {
		d := Decoded{Scope: ScopeWebsite, Domain: DomainUnknown, Name: flatName}
		applyAnnotation(&d, description)
		return d
	}

	d := Decoded{Scope: ScopeWebsite}
	applyAnnotation(&d, description)

	// Exact split: the annotated domain tells us where the domain
	// segment ends inside the sanitized remainder.
	if d.Domain != "" {
		if sanitized := Sanitize(d.Domain); strings.HasPrefix(rest, sanitized+"_") {
			d.Name = rest[len(sanitized)+1:]
			return d
		}
	}

	// Lossy fallback: domain is the remainder up to the first underscore.
	idx := strings.Index(rest, "_")
	if idx < 0 {
		d.Domain = DomainUnknown
		d.Name = rest
		return d
	}
	d.Domain = reconstructDomain(rest[:idx])
	d.Name = rest[idx+1:]
	return d
}

// applyAnnotation parses the bracketed description prefix into d.
// The annotated domain, when present, overrides any name-derived one.
// Recognized forms: [domain], [domain • Active],
// [domain - N sessions], [domain - N sessions • Session K Active].
func applyAnnotation(d *Decoded, description string) {
	if !strings.HasPrefix(description, "[") {
		return
	}
	end := strings.Index(description, "]")
	if end < 0 {
		return
	}

	inner := description[1:end]
	head, tail, hasTail := strings.Cut(inner, " • ")

	if m := sessionsSuffix.FindStringSubmatch(head); m != nil {
		head = m[1]
		d.SessionCount, _ = strconv.Atoi(m[2])
	}
	if head = strings.TrimSpace(head); head != "" {
		d.Domain = head
	}

	if !hasTail {
		return
	}
	if tail == "Active" {
		d.IsActive = true
		d.SessionIndex = 1
		if d.SessionCount == 0 {
			d.SessionCount = 1
		}
		return
	}
	if m := sessionActive.FindStringSubmatch(tail); m != nil {
		d.IsActive = true
		d.SessionIndex, _ = strconv.Atoi(m[1])
	}
}

var hostPort = regexp.MustCompile(`^(.+)_(\d+)$`)

// reconstructDomain maps a sanitized domain back to a readable form.
// A trailing numeric segment is treated as a port (loopback-style
// origins), everything else as dotted labels. Inherently ambiguous for
// domains that legitimately contain underscores.
func reconstructDomain(sanitized string) string {
	if m := hostPort.FindStringSubmatch(sanitized); m != nil {
		return strings.ReplaceAll(m[1], "_", ".") + ":" + m[2]
	}
	return strings.ReplaceAll(sanitized, "_", ".")
}

// Annotate builds the bracketed description prefix for a domain.
// sessionCount is the number of live sessions; activeIndex is the
// 1-based position of the active session within the group, or 0.
func Annotate(domain string, sessionCount, activeIndex int, base string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(domain)

	switch {
	case sessionCount > 1 && activeIndex > 0:
		fmt.Fprintf(&b, " - %d sessions • Session %d Active", sessionCount, activeIndex)
	case sessionCount > 1:
		fmt.Fprintf(&b, " - %d sessions", sessionCount)
	case activeIndex > 0:
		b.WriteString(" • Active")
	}

	b.WriteString("]")
	if base != "" {
		b.WriteString(" ")
		b.WriteString(base)
	}
	return b.String()
}
