package formula

import "fmt"

// Parse parses an expression in the device description formula dialect.
//
// Precedence, loosest first: `?:`, `||`, `&&`, `|`, `^`, `&`, `= <>`,
// `< <= > >=`, `<< >>`, `+ -`, `* / %`, unary `~ -`, `**`, function words
// (ABS, SGN, SQRT, ...), literals and identifiers. Hex literals use `0x`.
func Parse(src string) (*Expr, error) {
	p := &parser{lexer: newLexer(src)}
	expr, err := p.expr()
	if err != nil {
		return nil, err
	}
	tok, err := p.lexer.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind != tokEOF {
		return nil, fmt.Errorf("formula: unexpected %s at offset %d", tok, tok.pos)
	}
	return expr, nil
}

// MustParse is Parse for expressions known at compile time, such as tests and
// built-in description fragments.
func MustParse(src string) *Expr {
	expr, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return expr
}

type parser struct {
	lexer *lexer
}

var callWords = map[string]unOpKind{
	"NEG":   opNeg,
	"SIN":   opSin,
	"COS":   opCos,
	"TAN":   opTan,
	"ASIN":  opAsin,
	"ACOS":  opAcos,
	"ATAN":  opAtan,
	"ABS":   opAbs,
	"SGN":   opSgn,
	"EXP":   opExp,
	"LN":    opLn,
	"LG":    opLg,
	"SQRT":  opSqrt,
	"TRUNC": opTrunc,
	"FLOOR": opFloor,
	"CEIL":  opCeil,
	"ROUND": opRound,
}

func (p *parser) expr() (*Expr, error) {
	cond, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	ok, err := p.eat(tokQuestion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return cond, nil
	}
	then, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokColon); err != nil {
		return nil, err
	}
	els, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &Expr{kind: exprIf, cond: cond, lhs: then, rhs: els}, nil
}

type binOpLevel struct {
	tok tokenKind
	op  binOpKind
}

func (p *parser) binOps(next func() (*Expr, error), levels ...binOpLevel) (*Expr, error) {
	expr, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, lv := range levels {
			ok, err := p.eat(lv.tok)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			rhs, err := next()
			if err != nil {
				return nil, err
			}
			expr = &Expr{kind: exprBinOp, binOp: lv.op, lhs: expr, rhs: rhs}
			matched = true
			break
		}
		if !matched {
			return expr, nil
		}
	}
}

func (p *parser) logicalOr() (*Expr, error) {
	return p.binOps(p.logicalAnd, binOpLevel{tokDoubleOr, opOr})
}

func (p *parser) logicalAnd() (*Expr, error) {
	return p.binOps(p.bitwiseOr, binOpLevel{tokDoubleAnd, opAnd})
}

func (p *parser) bitwiseOr() (*Expr, error) {
	return p.binOps(p.bitwiseXor, binOpLevel{tokOr, opBitOr})
}

func (p *parser) bitwiseXor() (*Expr, error) {
	return p.binOps(p.bitwiseAnd, binOpLevel{tokCaret, opXor})
}

func (p *parser) bitwiseAnd() (*Expr, error) {
	return p.binOps(p.equality, binOpLevel{tokAnd, opBitAnd})
}

func (p *parser) equality() (*Expr, error) {
	return p.binOps(p.relational, binOpLevel{tokEq, opEq}, binOpLevel{tokNe, opNe})
}

func (p *parser) relational() (*Expr, error) {
	return p.binOps(p.shift,
		binOpLevel{tokLt, opLt}, binOpLevel{tokLe, opLe},
		binOpLevel{tokGt, opGt}, binOpLevel{tokGe, opGe})
}

func (p *parser) shift() (*Expr, error) {
	return p.binOps(p.term, binOpLevel{tokShl, opShl}, binOpLevel{tokShr, opShr})
}

func (p *parser) term() (*Expr, error) {
	return p.binOps(p.factor, binOpLevel{tokPlus, opAdd}, binOpLevel{tokMinus, opSub})
}

func (p *parser) factor() (*Expr, error) {
	return p.binOps(p.unary,
		binOpLevel{tokStar, opMul}, binOpLevel{tokSlash, opDiv}, binOpLevel{tokPercent, opRem})
}

func (p *parser) unary() (*Expr, error) {
	if ok, err := p.eat(tokTilde); err != nil {
		return nil, err
	} else if ok {
		expr, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Expr{kind: exprUnOp, unOp: opNot, lhs: expr}, nil
	}
	if ok, err := p.eat(tokMinus); err != nil {
		return nil, err
	} else if ok {
		expr, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Expr{kind: exprUnOp, unOp: opNeg, lhs: expr}, nil
	}
	// Unary plus is a no-op.
	if _, err := p.eat(tokPlus); err != nil {
		return nil, err
	}
	return p.pow()
}

func (p *parser) pow() (*Expr, error) {
	expr, err := p.call()
	if err != nil {
		return nil, err
	}
	ok, err := p.eat(tokDoubleStar)
	if err != nil {
		return nil, err
	}
	if !ok {
		return expr, nil
	}
	// Right-associative.
	rhs, err := p.pow()
	if err != nil {
		return nil, err
	}
	return &Expr{kind: exprBinOp, binOp: opPow, lhs: expr, rhs: rhs}, nil
}

func (p *parser) call() (*Expr, error) {
	tok, err := p.lexer.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind == tokIdent {
		if op, ok := callWords[tok.ident]; ok {
			if _, err := p.lexer.next(); err != nil {
				return nil, err
			}
			if err := p.expect(tokLParen); err != nil {
				return nil, err
			}
			expr, err := p.expr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokRParen); err != nil {
				return nil, err
			}
			return &Expr{kind: exprUnOp, unOp: op, lhs: expr}, nil
		}
	}
	return p.primary()
}

func (p *parser) primary() (*Expr, error) {
	tok, err := p.lexer.next()
	if err != nil {
		return nil, err
	}
	switch tok.kind {
	case tokLParen:
		expr, err := p.expr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return expr, nil
	case tokInteger:
		return &Expr{kind: exprInt, intVal: tok.intVal}, nil
	case tokFloat:
		return &Expr{kind: exprFloat, floatVal: tok.fltVal}, nil
	case tokIdent:
		return &Expr{kind: exprIdent, ident: tok.ident}, nil
	}
	return nil, fmt.Errorf("formula: unexpected %s at offset %d", tok, tok.pos)
}

func (p *parser) eat(kind tokenKind) (bool, error) {
	tok, err := p.lexer.peek()
	if err != nil {
		return false, err
	}
	if tok.kind != kind {
		return false, nil
	}
	_, err = p.lexer.next()
	return true, err
}

func (p *parser) expect(kind tokenKind) error {
	ok, err := p.eat(kind)
	if err != nil {
		return err
	}
	if !ok {
		tok, _ := p.lexer.peek()
		return fmt.Errorf("formula: expected %s, got %s at offset %d", token{kind: kind}, tok, tok.pos)
	}
	return nil
}
