// template.go expands program argument templates.
//
// A template is a list of tokens. Each token is one of:
//
//	literal        passed through unchanged
//	{name}         replaced by the formatted value of input name
//	{name?--flag}  replaced by --flag when boolean input name is true, else dropped
//	{!name?--flag} replaced by --flag when boolean input name is false, else dropped
//
// A token that merely contains braces somewhere inside is a literal.
package delegate

import (
	"fmt"
	"strings"

	"github.com/doughall/hostmgr/internal/schema"
)

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenValue
	tokenFlagIfTrue
	tokenFlagIfFalse
)

type token struct {
	kind tokenKind
	name string
	text string
}

// Template is a parsed argument template.
type Template struct {
	tokens []token
}

// ParseTemplate parses raw tokens.
func ParseTemplate(raw []string) Template {
	t := Template{tokens: make([]token, 0, len(raw))}
	for _, r := range raw {
		t.tokens = append(t.tokens, parseToken(r))
	}
	return t
}

func parseToken(r string) token {
	if len(r) < 3 || r[0] != '{' || r[len(r)-1] != '}' {
		return token{kind: tokenLiteral, text: r}
	}
	body := r[1 : len(r)-1]
	if strings.ContainsAny(body, "{}") {
		return token{kind: tokenLiteral, text: r}
	}

	name, flag, conditional := strings.Cut(body, "?")
	if !conditional {
		return token{kind: tokenValue, name: body}
	}
	kind := tokenFlagIfTrue
	if strings.HasPrefix(name, "!") {
		kind = tokenFlagIfFalse
		name = name[1:]
	}
	if name == "" || flag == "" {
		return token{kind: tokenLiteral, text: r}
	}
	return token{kind: kind, name: name, text: flag}
}

// Check verifies that every referenced input exists and that flag tokens
// reference boolean inputs.
func (t Template) Check(inputs []schema.Arg) error {
	types := make(map[string]schema.Type, len(inputs))
	for _, in := range inputs {
		types[in.Name] = in.Type
	}
	for _, tok := range t.tokens {
		if tok.kind == tokenLiteral {
			continue
		}
		typ, ok := types[tok.name]
		if !ok {
			return fmt.Errorf("template references unknown input %q", tok.name)
		}
		if tok.kind != tokenValue && typ != schema.TypeBool {
			return fmt.Errorf("flag token for %q requires a boolean input, have %s", tok.name, typ)
		}
	}
	return nil
}

// Expand renders the template against args.
func (t Template) Expand(args Args) ([]string, error) {
	out := make([]string, 0, len(t.tokens))
	for _, tok := range t.tokens {
		switch tok.kind {
		case tokenLiteral:
			out = append(out, tok.text)
		case tokenValue:
			v, ok := args[tok.name]
			if !ok {
				return nil, fmt.Errorf("missing argument %q", tok.name)
			}
			out = append(out, schema.Format(v))
		case tokenFlagIfTrue, tokenFlagIfFalse:
			b, ok := args[tok.name].(bool)
			if !ok {
				return nil, fmt.Errorf("argument %q must be a bool", tok.name)
			}
			if b == (tok.kind == tokenFlagIfTrue) {
				out = append(out, tok.text)
			}
		}
	}
	return out, nil
}
