package formula

// Value is the result of evaluating an expression. It is either an integer or
// a float; booleans are represented as the integers 0 and 1, matching the
// device description dialect.
type Value struct {
	f       float64
	i       int64
	isFloat bool
}

// Int64 creates an integer Value.
func Int64(i int64) Value {
	return Value{i: i}
}

// Float64 creates a float Value.
func Float64(f float64) Value {
	return Value{f: f, isFloat: true}
}

// Bool creates an integer Value of 1 for true, 0 for false.
func Bool(b bool) Value {
	if b {
		return Value{i: 1}
	}
	return Value{i: 0}
}

// IsInteger reports whether the value is an integer.
func (v Value) IsInteger() bool {
	return !v.isFloat
}

// AsInt64 returns the value as int64, truncating a float toward zero.
func (v Value) AsInt64() int64 {
	if v.isFloat {
		return int64(v.f)
	}
	return v.i
}

// AsFloat64 returns the value as float64.
func (v Value) AsFloat64() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

// AsBool reports whether the value is non-zero.
func (v Value) AsBool() bool {
	if v.isFloat {
		return v.f != 0
	}
	return v.i != 0
}
