// Package sanitize strips unsafe markup from imported rich text.
package sanitize

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// deniedTags are removed together with everything inside them.
var deniedTags = map[atom.Atom]bool{
	atom.Script: true,
	atom.Iframe: true,
	atom.Object: true,
	atom.Embed:  true,
	atom.Form:   true,
	atom.Base:   true,
}

// uriAttrs carry URLs that a browser may navigate to or load.
var uriAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"srcset":     true,
	"action":     true,
	"formaction": true,
	"data":       true,
	"poster":     true,
	"background": true,
	"cite":       true,
	"xlink:href": true,
}

var unsafeSchemes = []string{"javascript:", "vbscript:", "data:text/html"}

// scriptPatterns are flagged in text and style values; they are never executed.
var scriptPatterns = []string{"expression(", "eval(", "document.cookie"}

// Result is the outcome of sanitizing one field.
type Result struct {
	HTML     string
	Warnings []string
}

// Modified reports whether anything was flagged.
func (r Result) Modified() bool {
	return len(r.Warnings) > 0
}

// HTML removes denied elements, event handler attributes and script URIs.
// It never fails: unparseable trailing markup is dropped with a warning.
func HTML(input string) (res Result) {
	if input == "" {
		return Result{}
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Warnings: []string{fmt.Sprintf("content dropped: markup could not be parsed (%v)", r)}}
		}
	}()

	s := &state{}
	z := html.NewTokenizer(strings.NewReader(input))
	consumed := 0
	for {
		tt := z.Next()
		raw := string(z.Raw())
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				s.warn("content truncated: %v", z.Err())
			} else if consumed < len(input) {
				s.warn("dropped malformed markup at byte %d", consumed)
			}
			break
		}
		consumed += len(raw)
		s.token(tt, raw, z)
	}
	if s.skipName != "" {
		s.warn("unterminated <%s> removed", s.skipName)
	}
	return Result{HTML: s.out.String(), Warnings: s.warnings}
}

type state struct {
	out      strings.Builder
	warnings []string

	// skipName is the denied element being dropped; skipDepth counts
	// nested elements of the same name.
	skipName  string
	skipDepth int
}

func (s *state) warn(format string, args ...any) {
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

func (s *state) token(tt html.TokenType, raw string, z *html.Tokenizer) {
	if s.skipName != "" {
		s.skip(tt, z)
		return
	}

	switch tt {
	case html.TextToken:
		s.flagPatterns("text", raw)
		s.out.WriteString(raw)

	case html.StartTagToken, html.SelfClosingTagToken:
		tok := z.Token()
		if deniedTags[tok.DataAtom] {
			s.warn("removed <%s> element", tok.Data)
			if tt == html.StartTagToken && !isVoid(tok.DataAtom) {
				s.skipName = tok.Data
				s.skipDepth = 1
			}
			return
		}
		if s.attrs(&tok) {
			s.out.WriteString(tok.String())
			return
		}
		s.out.WriteString(raw)

	case html.EndTagToken:
		tok := z.Token()
		if deniedTags[tok.DataAtom] {
			return
		}
		s.out.WriteString(raw)

	case html.CommentToken:
		// Conditional comments can smuggle markup past the tokenizer.
		lower := strings.ToLower(raw)
		if strings.Contains(lower, "[if") || strings.Contains(lower, "<script") {
			s.warn("removed conditional comment")
			return
		}
		s.out.WriteString(raw)

	case html.DoctypeToken:
		// Fragments have no doctype.
	}
}

func (s *state) skip(tt html.TokenType, z *html.Tokenizer) {
	if tt != html.StartTagToken && tt != html.EndTagToken {
		return
	}
	name, _ := z.TagName()
	if string(name) != s.skipName {
		return
	}
	if tt == html.StartTagToken {
		s.skipDepth++
		return
	}
	s.skipDepth--
	if s.skipDepth == 0 {
		s.skipName = ""
	}
}

// attrs filters tok's attributes in place and reports whether any changed.
func (s *state) attrs(tok *html.Token) bool {
	changed := false
	kept := tok.Attr[:0]
	for _, a := range tok.Attr {
		key := strings.ToLower(a.Key)
		if a.Namespace != "" {
			key = a.Namespace + ":" + key
		}
		switch {
		case strings.HasPrefix(key, "on"):
			s.warn("removed %s handler on <%s>", key, tok.Data)
			changed = true
			continue
		case uriAttrs[key] && unsafeURI(a.Val):
			s.warn("removed script URI in %s of <%s>", key, tok.Data)
			changed = true
			continue
		case key == "style" && s.flagPatterns("style attribute", a.Val):
			changed = true
			continue
		}
		kept = append(kept, a)
	}
	tok.Attr = kept
	return changed
}

// flagPatterns records a warning per script-like pattern in v.
func (s *state) flagPatterns(where, v string) bool {
	lower := strings.ToLower(v)
	found := false
	for _, p := range scriptPatterns {
		if strings.Contains(lower, p) {
			s.warn("suspicious %q in %s", p, where)
			found = true
		}
	}
	return found
}

// unsafeURI reports whether any URL in v uses a script scheme. Browsers
// ignore whitespace and control characters inside the scheme.
func unsafeURI(v string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, strings.ToLower(v))
	for _, scheme := range unsafeSchemes {
		if strings.HasPrefix(cleaned, scheme) || strings.Contains(cleaned, ","+scheme) {
			return true
		}
	}
	return false
}

func isVoid(a atom.Atom) bool {
	return a == atom.Embed || a == atom.Base
}
