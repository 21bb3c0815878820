package formula

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokInteger
	tokFloat
	tokIdent

	tokPlus       // +
	tokMinus      // -
	tokStar       // *
	tokDoubleStar // **
	tokSlash      // /
	tokPercent    // %
	tokLParen     // (
	tokRParen     // )
	tokQuestion   // ?
	tokColon      // :
	tokTilde      // ~
	tokCaret      // ^
	tokAnd        // &
	tokDoubleAnd  // &&
	tokOr         // |
	tokDoubleOr   // ||
	tokEq         // =
	tokNe         // <>
	tokLt         // <
	tokLe         // <=
	tokGt         // >
	tokGe         // >=
	tokShl        // <<
	tokShr        // >>
)

type token struct {
	kind   tokenKind
	intVal int64
	fltVal float64
	ident  string
	pos    int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokInteger:
		return strconv.FormatInt(t.intVal, 10)
	case tokFloat:
		return strconv.FormatFloat(t.fltVal, 'g', -1, 64)
	case tokIdent:
		return t.ident
	}
	for sym, kind := range symbolTokens {
		if kind == t.kind {
			return sym
		}
	}
	return "?"
}

// Longest-match symbols checked before single-character ones.
var symbolTokens = map[string]tokenKind{
	"**": tokDoubleStar,
	"&&": tokDoubleAnd,
	"||": tokDoubleOr,
	"<>": tokNe,
	"<=": tokLe,
	">=": tokGe,
	"<<": tokShl,
	">>": tokShr,
	"+":  tokPlus,
	"-":  tokMinus,
	"*":  tokStar,
	"/":  tokSlash,
	"%":  tokPercent,
	"(":  tokLParen,
	")":  tokRParen,
	"?":  tokQuestion,
	":":  tokColon,
	"~":  tokTilde,
	"^":  tokCaret,
	"&":  tokAnd,
	"|":  tokOr,
	"=":  tokEq,
	"<":  tokLt,
	">":  tokGt,
}

var twoCharSymbols = []string{"**", "&&", "||", "<>", "<=", ">=", "<<", ">>"}

type lexer struct {
	src    string
	pos    int
	peeked *token
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) peek() (token, error) {
	if l.peeked == nil {
		tok, err := l.lex()
		if err != nil {
			return token{}, err
		}
		l.peeked = &tok
	}
	return *l.peeked, nil
}

func (l *lexer) next() (token, error) {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil
		return tok, nil
	}
	return l.lex()
}

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case isDigit(c) || (c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, ident: l.src[start:l.pos], pos: start}, nil
	}

	for _, sym := range twoCharSymbols {
		if strings.HasPrefix(l.src[l.pos:], sym) {
			l.pos += 2
			return token{kind: symbolTokens[sym], pos: start}, nil
		}
	}
	if kind, ok := symbolTokens[string(c)]; ok {
		l.pos++
		return token{kind: kind, pos: start}, nil
	}

	return token{}, fmt.Errorf("formula: unexpected character %q at offset %d", c, start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos

	// Hex integers.
	if strings.HasPrefix(l.src[l.pos:], "0x") || strings.HasPrefix(l.src[l.pos:], "0X") {
		l.pos += 2
		for l.pos < len(l.src) && isHexDigit(l.src[l.pos]) {
			l.pos++
		}
		// Hex literals are parsed as unsigned so the full 64-bit register
		// address range is representable.
		u, err := strconv.ParseUint(l.src[start+2:l.pos], 16, 64)
		if err != nil {
			return token{}, fmt.Errorf("formula: bad hex literal %q at offset %d: %w", l.src[start:l.pos], start, err)
		}
		return token{kind: tokInteger, intVal: int64(u), pos: start}, nil
	}

	isFloat := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isDigit(c) {
			l.pos++
			continue
		}
		if c == '.' {
			isFloat = true
			l.pos++
			continue
		}
		if c == 'e' || c == 'E' {
			isFloat = true
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
			continue
		}
		break
	}

	text := l.src[start:l.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, fmt.Errorf("formula: bad float literal %q at offset %d: %w", text, start, err)
		}
		return token{kind: tokFloat, fltVal: f, pos: start}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, fmt.Errorf("formula: bad integer literal %q at offset %d: %w", text, start, err)
	}
	return token{kind: tokInteger, intVal: i, pos: start}, nil
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) || c == '.' }
