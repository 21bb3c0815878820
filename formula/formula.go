// Package formula evaluates the arithmetic expressions that link device
// features together: access modes, register addresses and converter values may
// all be derived from other nodes through such expressions.
//
// Evaluation is pure. An expression never performs I/O and never caches;
// callers supply node values through a Lookup and own any memoization.
package formula

import (
	"errors"
	"fmt"
	"math"
)

// Lookup resolves an identifier to its current value. It is supplied by the
// caller on every evaluation.
type Lookup func(name string) (Value, error)

// ErrUnknownIdentifier is returned when an expression references a name the
// Lookup cannot resolve.
var ErrUnknownIdentifier = errors.New("formula: unknown identifier")

// ErrDivisionByZero is returned on integer division or remainder by zero.
// Float division follows IEEE semantics instead.
var ErrDivisionByZero = errors.New("formula: integer division by zero")

type exprKind uint8

const (
	exprInt exprKind = iota
	exprFloat
	exprIdent
	exprBinOp
	exprUnOp
	exprIf
)

// Expr is a parsed expression tree. The zero value is not usable; obtain one
// via Parse.
type Expr struct {
	kind exprKind

	intVal   int64
	floatVal float64
	ident    string

	binOp binOpKind
	unOp  unOpKind

	// BinOp: lhs, rhs. UnOp: lhs. If: cond, lhs (then), rhs (else).
	cond *Expr
	lhs  *Expr
	rhs  *Expr
}

type binOpKind uint8

const (
	opAdd binOpKind = iota
	opSub
	opMul
	opDiv
	opRem
	opPow
	opShl
	opShr
	opAnd
	opOr
	opEq
	opNe
	opLt
	opLe
	opGt
	opGe
	opBitAnd
	opBitOr
	opXor
)

type unOpKind uint8

const (
	opNot unOpKind = iota
	opNeg
	opAbs
	opSgn
	opSin
	opCos
	opTan
	opAsin
	opAcos
	opAtan
	opExp
	opLn
	opLg
	opSqrt
	opTrunc
	opFloor
	opCeil
	opRound
)

// Eval evaluates the expression, resolving identifiers through lookup.
func (e *Expr) Eval(lookup Lookup) (Value, error) {
	switch e.kind {
	case exprInt:
		return Int64(e.intVal), nil
	case exprFloat:
		return Float64(e.floatVal), nil
	case exprIdent:
		if lookup == nil {
			return Value{}, fmt.Errorf("%w: %q", ErrUnknownIdentifier, e.ident)
		}
		v, err := lookup(e.ident)
		if err != nil {
			return Value{}, fmt.Errorf("resolve %q: %w", e.ident, err)
		}
		return v, nil
	case exprIf:
		cond, err := e.cond.Eval(lookup)
		if err != nil {
			return Value{}, err
		}
		if cond.AsBool() {
			return e.lhs.Eval(lookup)
		}
		return e.rhs.Eval(lookup)
	case exprUnOp:
		return e.evalUnOp(lookup)
	case exprBinOp:
		return e.evalBinOp(lookup)
	}
	return Value{}, fmt.Errorf("formula: corrupt expression kind %d", e.kind)
}

func (e *Expr) evalBinOp(lookup Lookup) (Value, error) {
	// Logical operators short-circuit; everything else is strict.
	switch e.binOp {
	case opAnd:
		lhs, err := e.lhs.Eval(lookup)
		if err != nil {
			return Value{}, err
		}
		if !lhs.AsBool() {
			return Bool(false), nil
		}
		rhs, err := e.rhs.Eval(lookup)
		if err != nil {
			return Value{}, err
		}
		return Bool(rhs.AsBool()), nil
	case opOr:
		lhs, err := e.lhs.Eval(lookup)
		if err != nil {
			return Value{}, err
		}
		if lhs.AsBool() {
			return Bool(true), nil
		}
		rhs, err := e.rhs.Eval(lookup)
		if err != nil {
			return Value{}, err
		}
		return Bool(rhs.AsBool()), nil
	}

	lhs, err := e.lhs.Eval(lookup)
	if err != nil {
		return Value{}, err
	}
	rhs, err := e.rhs.Eval(lookup)
	if err != nil {
		return Value{}, err
	}

	bothInt := lhs.IsInteger() && rhs.IsInteger()

	switch e.binOp {
	case opAdd:
		if bothInt {
			return Int64(lhs.AsInt64() + rhs.AsInt64()), nil
		}
		return Float64(lhs.AsFloat64() + rhs.AsFloat64()), nil
	case opSub:
		if bothInt {
			return Int64(lhs.AsInt64() - rhs.AsInt64()), nil
		}
		return Float64(lhs.AsFloat64() - rhs.AsFloat64()), nil
	case opMul:
		if bothInt {
			return Int64(lhs.AsInt64() * rhs.AsInt64()), nil
		}
		return Float64(lhs.AsFloat64() * rhs.AsFloat64()), nil
	case opDiv:
		if bothInt {
			if rhs.AsInt64() == 0 {
				return Value{}, ErrDivisionByZero
			}
			// Go integer division truncates toward zero, as required.
			return Int64(lhs.AsInt64() / rhs.AsInt64()), nil
		}
		return Float64(lhs.AsFloat64() / rhs.AsFloat64()), nil
	case opRem:
		if bothInt {
			if rhs.AsInt64() == 0 {
				return Value{}, ErrDivisionByZero
			}
			return Int64(lhs.AsInt64() % rhs.AsInt64()), nil
		}
		return Float64(math.Mod(lhs.AsFloat64(), rhs.AsFloat64())), nil
	case opPow:
		if bothInt {
			return Int64(ipow(lhs.AsInt64(), rhs.AsInt64())), nil
		}
		return Float64(math.Pow(lhs.AsFloat64(), rhs.AsFloat64())), nil
	case opEq:
		if bothInt {
			return Bool(lhs.AsInt64() == rhs.AsInt64()), nil
		}
		return Bool(lhs.AsFloat64() == rhs.AsFloat64()), nil
	case opNe:
		if bothInt {
			return Bool(lhs.AsInt64() != rhs.AsInt64()), nil
		}
		// NaN compares false under every comparison, <> included.
		l, r := lhs.AsFloat64(), rhs.AsFloat64()
		if math.IsNaN(l) || math.IsNaN(r) {
			return Bool(false), nil
		}
		return Bool(l != r), nil
	case opLt:
		if bothInt {
			return Bool(lhs.AsInt64() < rhs.AsInt64()), nil
		}
		return Bool(lhs.AsFloat64() < rhs.AsFloat64()), nil
	case opLe:
		if bothInt {
			return Bool(lhs.AsInt64() <= rhs.AsInt64()), nil
		}
		return Bool(lhs.AsFloat64() <= rhs.AsFloat64()), nil
	case opGt:
		if bothInt {
			return Bool(lhs.AsInt64() > rhs.AsInt64()), nil
		}
		return Bool(lhs.AsFloat64() > rhs.AsFloat64()), nil
	case opGe:
		if bothInt {
			return Bool(lhs.AsInt64() >= rhs.AsInt64()), nil
		}
		return Bool(lhs.AsFloat64() >= rhs.AsFloat64()), nil
	case opShl:
		return Int64(lhs.AsInt64() << uint64(rhs.AsInt64())), nil
	case opShr:
		return Int64(lhs.AsInt64() >> uint64(rhs.AsInt64())), nil
	case opBitAnd:
		return Int64(lhs.AsInt64() & rhs.AsInt64()), nil
	case opBitOr:
		return Int64(lhs.AsInt64() | rhs.AsInt64()), nil
	case opXor:
		return Int64(lhs.AsInt64() ^ rhs.AsInt64()), nil
	}
	return Value{}, fmt.Errorf("formula: corrupt binary operator %d", e.binOp)
}

func (e *Expr) evalUnOp(lookup Lookup) (Value, error) {
	v, err := e.lhs.Eval(lookup)
	if err != nil {
		return Value{}, err
	}

	switch e.unOp {
	case opNot:
		return Int64(^v.AsInt64()), nil
	case opNeg:
		if v.IsInteger() {
			return Int64(-v.AsInt64()), nil
		}
		return Float64(-v.AsFloat64()), nil
	case opAbs:
		if v.IsInteger() {
			i := v.AsInt64()
			if i < 0 {
				i = -i
			}
			return Int64(i), nil
		}
		return Float64(math.Abs(v.AsFloat64())), nil
	case opSgn:
		if v.IsInteger() {
			switch i := v.AsInt64(); {
			case i > 0:
				return Int64(1), nil
			case i < 0:
				return Int64(-1), nil
			default:
				return Int64(0), nil
			}
		}
		f := v.AsFloat64()
		switch {
		case f > 0:
			return Float64(1), nil
		case f < 0:
			return Float64(-1), nil
		default:
			return Float64(0), nil
		}
	case opSin:
		return Float64(math.Sin(v.AsFloat64())), nil
	case opCos:
		return Float64(math.Cos(v.AsFloat64())), nil
	case opTan:
		return Float64(math.Tan(v.AsFloat64())), nil
	case opAsin:
		return Float64(math.Asin(v.AsFloat64())), nil
	case opAcos:
		return Float64(math.Acos(v.AsFloat64())), nil
	case opAtan:
		return Float64(math.Atan(v.AsFloat64())), nil
	case opExp:
		return Float64(math.Exp(v.AsFloat64())), nil
	case opLn:
		return Float64(math.Log(v.AsFloat64())), nil
	case opLg:
		return Float64(math.Log10(v.AsFloat64())), nil
	case opSqrt:
		return Float64(math.Sqrt(v.AsFloat64())), nil
	case opTrunc:
		return Float64(math.Trunc(v.AsFloat64())), nil
	case opFloor:
		return Float64(math.Floor(v.AsFloat64())), nil
	case opCeil:
		return Float64(math.Ceil(v.AsFloat64())), nil
	case opRound:
		return Float64(math.Round(v.AsFloat64())), nil
	}
	return Value{}, fmt.Errorf("formula: corrupt unary operator %d", e.unOp)
}

// ipow is integer exponentiation by squaring. Negative exponents yield 0,
// except that base 1 and -1 stay well-defined.
func ipow(base, exp int64) int64 {
	if exp < 0 {
		switch base {
		case 1:
			return 1
		case -1:
			if exp%2 == 0 {
				return 1
			}
			return -1
		default:
			return 0
		}
	}
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

// Identifiers returns the set of identifiers referenced by the expression, in
// first-appearance order. The node map uses this to derive dependency edges.
func (e *Expr) Identifiers() []string {
	var out []string
	seen := make(map[string]struct{})
	e.collectIdents(seen, &out)
	return out
}

func (e *Expr) collectIdents(seen map[string]struct{}, out *[]string) {
	if e == nil {
		return
	}
	if e.kind == exprIdent {
		if _, ok := seen[e.ident]; !ok {
			seen[e.ident] = struct{}{}
			*out = append(*out, e.ident)
		}
	}
	e.cond.collectIdents(seen, out)
	e.lhs.collectIdents(seen, out)
	e.rhs.collectIdents(seen, out)
}
