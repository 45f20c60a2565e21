// Package grammar provides composable message patterns with named captures.
// Patterns are declared with combinators, compiled once at bot construction,
// and matched against raw message text during dispatch. A compiled Grammar is
// immutable and safe for concurrent matching.
package grammar

import (
	"fmt"
	"regexp"
	"strings"
)

var captureNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Expr is one node of a pattern. Expressions are composed with Seq and
// compiled with Compile; they carry no state of their own.
type Expr interface {
	render(c *compiler) (string, error)
}

type compiler struct {
	names map[string]struct{}
}

// Grammar is a compiled pattern. Matching is anchored at the start of the
// text: trailing unmatched text is allowed, mirroring how command prefixes
// behave in chat ("ping extra words" still triggers "ping").
type Grammar struct {
	re      *regexp.Regexp
	pattern string
}

// Captures holds the named fields extracted by a successful match.
type Captures map[string]string

// Compile flattens an expression tree into a single Grammar. It fails on
// invalid or duplicate capture names, which is a bot-definition bug surfaced
// at startup rather than during dispatch.
func Compile(expr Expr) (*Grammar, error) {
	if expr == nil {
		return nil, fmt.Errorf("grammar: nil expression")
	}

	c := &compiler{names: make(map[string]struct{})}
	body, err := expr.render(c)
	if err != nil {
		return nil, err
	}

	pattern := `(?is)^\s*` + body
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("grammar: compile pattern: %w", err)
	}

	return &Grammar{re: re, pattern: pattern}, nil
}

// MustCompile is Compile for statically known patterns; it panics on error.
func MustCompile(expr Expr) *Grammar {
	g, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return g
}

// Match tests text against the grammar. Empty or malformed text is simply a
// failed match, never an error. Optional capture groups that did not
// participate in the match are omitted from the result.
func (g *Grammar) Match(text string) (Captures, bool) {
	if text == "" {
		return nil, false
	}

	idx := g.re.FindStringSubmatchIndex(text)
	if idx == nil {
		return nil, false
	}

	caps := make(Captures)
	for i, name := range g.re.SubexpNames() {
		if name == "" || i == 0 {
			continue
		}
		start, end := idx[2*i], idx[2*i+1]
		if start < 0 {
			continue
		}
		caps[name] = text[start:end]
	}

	return caps, true
}

// String returns the underlying pattern. Two grammars with equal String
// results match the same texts; the registry uses this for duplicate
// detection.
func (g *Grammar) String() string {
	return g.pattern
}

type litExpr struct{ text string }

// Lit matches a literal token, case-insensitively.
func Lit(text string) Expr {
	return litExpr{text: text}
}

func (e litExpr) render(*compiler) (string, error) {
	if strings.TrimSpace(e.text) == "" {
		return "", fmt.Errorf("grammar: empty literal")
	}
	return regexp.QuoteMeta(e.text), nil
}

type wordExpr struct{ extra string }

// Word matches one alphanumeric token. Extra characters to allow inside the
// token may be passed, e.g. Word("-_.") for user names.
func Word(extra ...string) Expr {
	return wordExpr{extra: strings.Join(extra, "")}
}

func (e wordExpr) render(*compiler) (string, error) {
	class := "[a-zA-Z0-9"
	for _, r := range e.extra {
		class += regexp.QuoteMeta(string(r))
	}
	return class + "]+", nil
}

type intExpr struct{}

// Int matches one unsigned decimal number.
func Int() Expr { return intExpr{} }

func (intExpr) render(*compiler) (string, error) {
	return `[0-9]+`, nil
}

type emojiExpr struct{}

// Emoji matches one :emoji: token.
func Emoji() Expr { return emojiExpr{} }

func (emojiExpr) render(*compiler) (string, error) {
	return `:[^\s:]+:`, nil
}

type mentionExpr struct{}

// Mention matches a user mention as the chat service formats it, e.g.
// <@U0123ABCD> on Slack.
func Mention() Expr { return mentionExpr{} }

func (mentionExpr) render(*compiler) (string, error) {
	return `<@[A-Z0-9]+>`, nil
}

type quotedExpr struct{}

// Quoted matches one double-quoted string, quotes included.
func Quoted() Expr { return quotedExpr{} }

func (quotedExpr) render(*compiler) (string, error) {
	return `"[^"]*"`, nil
}

type captureExpr struct {
	inner Expr
	name  string
}

// Capture names the text matched by inner so it appears in the Captures of a
// successful match. Names must be unique within one grammar.
func Capture(inner Expr, name string) Expr {
	return captureExpr{inner: inner, name: name}
}

func (e captureExpr) render(c *compiler) (string, error) {
	if !captureNameRe.MatchString(e.name) {
		return "", fmt.Errorf("grammar: invalid capture name %q", e.name)
	}
	if _, exists := c.names[e.name]; exists {
		return "", fmt.Errorf("grammar: duplicate capture name %q", e.name)
	}
	c.names[e.name] = struct{}{}

	body, err := e.inner.render(c)
	if err != nil {
		return "", err
	}
	return "(?P<" + e.name + ">" + body + ")", nil
}

type optExpr struct{ inner Expr }

// Opt makes inner optional. Inside a Seq the token separator is folded into
// the optional group, so "cmd" and "cmd arg" both match Seq(Lit("cmd"),
// Opt(Capture(Word(), "arg"))).
func Opt(inner Expr) Expr {
	return optExpr{inner: inner}
}

func (e optExpr) render(c *compiler) (string, error) {
	body, err := e.inner.render(c)
	if err != nil {
		return "", err
	}
	return "(?:" + body + ")?", nil
}

type tailExpr struct{ name string }

// Tail captures everything remaining in the message, newlines included.
func Tail(name string) Expr {
	return tailExpr{name: name}
}

func (e tailExpr) render(c *compiler) (string, error) {
	return captureExpr{inner: rawExpr{`.+`}, name: e.name}.render(c)
}

type rawExpr struct{ body string }

func (e rawExpr) render(*compiler) (string, error) {
	return e.body, nil
}

type seqExpr struct{ parts []Expr }

// Seq joins expressions in order, separated by whitespace.
func Seq(parts ...Expr) Expr {
	return seqExpr{parts: parts}
}

func (e seqExpr) render(c *compiler) (string, error) {
	if len(e.parts) == 0 {
		return "", fmt.Errorf("grammar: empty sequence")
	}

	var b strings.Builder
	for i, part := range e.parts {
		body, err := part.render(c)
		if err != nil {
			return "", err
		}

		if i == 0 {
			b.WriteString(body)
			continue
		}

		// Optional trailing parts absorb their own separator so the
		// sequence still matches when they are absent.
		if _, optional := part.(optExpr); optional {
			b.WriteString(`(?:\s+` + strings.TrimSuffix(strings.TrimPrefix(body, "(?:"), ")?") + `)?`)
			continue
		}

		// End supplies its own leading whitespace match.
		if _, end := part.(endExpr); end {
			b.WriteString(body)
			continue
		}

		b.WriteString(`\s+` + body)
	}

	return b.String(), nil
}

type endExpr struct{}

// End anchors the grammar at the end of the message, rejecting trailing
// text.
func End() Expr { return endExpr{} }

func (endExpr) render(*compiler) (string, error) {
	return `\s*$`, nil
}
