package vm

// evalBinary implements the closed binary-operator list against two
// tagged operand-stack cells. ADD, SUB, MUL and DIV upcast a mixed
// int/float pair to float, and ADD concatenates strings byte-for-byte;
// everything else requires matching tags.
func evalBinary(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpAdd:
		return evalAdd(a, b)
	case OpSub:
		return numericBinary(a, b, func(x, y int32) int32 { return x - y }, func(x, y float32) float32 { return x - y })
	case OpMul:
		return numericBinary(a, b, func(x, y int32) int32 { return x * y }, func(x, y float32) float32 { return x * y })
	case OpDiv:
		return evalDiv(a, b)
	case OpMod:
		return evalMod(a, b)
	case OpIncOr:
		return intBinary(a, b, func(x, y int32) int32 { return x | y })
	case OpExcOr:
		return intBinary(a, b, func(x, y int32) int32 { return x ^ y })
	case OpBoolAnd:
		return intBinary(a, b, func(x, y int32) int32 { return x & y })
	case OpLogAnd:
		return intBinary(a, b, func(x, y int32) int32 { return boolInt(x != 0 && y != 0) })
	case OpLogOr:
		return intBinary(a, b, func(x, y int32) int32 { return boolInt(x != 0 || y != 0) })
	case OpShLeft:
		return intBinary(a, b, func(x, y int32) int32 { return x << clampShift(y) })
	case OpShRight:
		return intBinary(a, b, evalShRight)
	case OpUShRight:
		// Documented as unsigned, implemented as signed in the canonical
		// VM; existing content depends on the signed behavior, so it is
		// preserved deliberately.
		return intBinary(a, b, func(x, y int32) int32 { return x >> clampShift(y) })
	case OpEqual:
		return evalEqual(a, b, false)
	case OpNEqual:
		return evalEqual(a, b, true)
	case OpLT:
		return evalCompare(a, b, func(c int) bool { return c < 0 })
	case OpLEq:
		return evalCompare(a, b, func(c int) bool { return c <= 0 })
	case OpGT:
		return evalCompare(a, b, func(c int) bool { return c > 0 })
	case OpGEq:
		return evalCompare(a, b, func(c int) bool { return c >= 0 })
	default:
		return Value{}, wrapErr(KindMalformed, nil, "not a binary opcode: %s", op)
	}
}

func evalUnary(op Opcode, v Value) (Value, error) {
	switch op {
	case OpNeg:
		switch v.Tag {
		case TagInt:
			// Two's-complement wrap: negating math.MinInt32 yields itself.
			return IntValue(-v.Int), nil
		case TagFloat:
			return FloatValue(-v.Float), nil
		default:
			return Value{}, wrapErr(KindTypeMismatch, nil, "NEG on %s", v.Tag)
		}
	case OpNot:
		if v.Tag != TagInt {
			return Value{}, wrapErr(KindTypeMismatch, nil, "NOT on %s", v.Tag)
		}
		return IntValue(boolInt(v.Int == 0)), nil
	case OpComp:
		if v.Tag != TagInt {
			return Value{}, wrapErr(KindTypeMismatch, nil, "COMP on %s", v.Tag)
		}
		return IntValue(^v.Int), nil
	case OpInc:
		if v.Tag != TagInt {
			return Value{}, wrapErr(KindTypeMismatch, nil, "INC on %s", v.Tag)
		}
		return IntValue(v.Int + 1), nil
	case OpDec:
		if v.Tag != TagInt {
			return Value{}, wrapErr(KindTypeMismatch, nil, "DEC on %s", v.Tag)
		}
		return IntValue(v.Int - 1), nil
	default:
		return Value{}, wrapErr(KindMalformed, nil, "not a unary opcode: %s", op)
	}
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// clampShift bounds a shift amount to [0, 31]: out-of-range shift
// amounts are clamped rather than faulted.
func clampShift(n int32) uint32 {
	if n < 0 {
		return 0
	}
	if n > 31 {
		return 31
	}
	return uint32(n)
}

// evalShRight implements SHRIGHT's documented sign-fixup: negate the
// count if negative, shift by its absolute value, then negate the
// result if the original count was negative.
func evalShRight(x, n int32) int32 {
	neg := n < 0
	if neg {
		n = -n
	}
	result := x >> clampShift(n)
	if neg {
		result = -result
	}
	return result
}

func evalAdd(a, b Value) (Value, error) {
	switch {
	case a.Tag == TagString && b.Tag == TagString:
		out := make([]byte, 0, len(a.Str)+len(b.Str))
		out = append(out, a.Str...)
		out = append(out, b.Str...)
		return StringValue(out), nil
	case a.Tag == TagInt && b.Tag == TagInt:
		return IntValue(a.Int + b.Int), nil
	case a.Tag == TagFloat && b.Tag == TagFloat:
		return FloatValue(a.Float + b.Float), nil
	case a.Tag == TagInt && b.Tag == TagFloat:
		return FloatValue(float32(a.Int) + b.Float), nil
	case a.Tag == TagFloat && b.Tag == TagInt:
		return FloatValue(a.Float + float32(b.Int)), nil
	default:
		return Value{}, wrapErr(KindTypeMismatch, nil, "ADD on %s and %s", a.Tag, b.Tag)
	}
}

func numericBinary(a, b Value, intOp func(int32, int32) int32, floatOp func(float32, float32) float32) (Value, error) {
	switch {
	case a.Tag == TagInt && b.Tag == TagInt:
		return IntValue(intOp(a.Int, b.Int)), nil
	case a.Tag == TagFloat && b.Tag == TagFloat:
		return FloatValue(floatOp(a.Float, b.Float)), nil
	case a.Tag == TagInt && b.Tag == TagFloat:
		return FloatValue(floatOp(float32(a.Int), b.Float)), nil
	case a.Tag == TagFloat && b.Tag == TagInt:
		return FloatValue(floatOp(a.Float, float32(b.Int))), nil
	default:
		return Value{}, wrapErr(KindTypeMismatch, nil, "arithmetic on %s and %s", a.Tag, b.Tag)
	}
}

func evalDiv(a, b Value) (Value, error) {
	switch {
	case a.Tag == TagInt && b.Tag == TagInt:
		if b.Int == 0 {
			return Value{}, wrapErr(KindArithmeticError, nil, "integer division by zero")
		}
		return IntValue(a.Int / b.Int), nil
	case a.Tag == TagFloat || b.Tag == TagFloat:
		var x, y float32
		if a.Tag == TagFloat {
			x = a.Float
		} else if a.Tag == TagInt {
			x = float32(a.Int)
		} else {
			return Value{}, wrapErr(KindTypeMismatch, nil, "DIV on %s", a.Tag)
		}
		if b.Tag == TagFloat {
			y = b.Float
		} else if b.Tag == TagInt {
			y = float32(b.Int)
		} else {
			return Value{}, wrapErr(KindTypeMismatch, nil, "DIV on %s", b.Tag)
		}
		if y == 0 {
			return Value{}, wrapErr(KindArithmeticError, nil, "floating point division by zero")
		}
		return FloatValue(x / y), nil
	default:
		return Value{}, wrapErr(KindTypeMismatch, nil, "DIV on %s and %s", a.Tag, b.Tag)
	}
}

func evalMod(a, b Value) (Value, error) {
	if a.Tag != TagInt || b.Tag != TagInt {
		return Value{}, wrapErr(KindTypeMismatch, nil, "MOD on %s and %s", a.Tag, b.Tag)
	}
	if b.Int == 0 {
		return Value{}, wrapErr(KindArithmeticError, nil, "modulus by zero")
	}
	return IntValue(a.Int % b.Int), nil
}

func intBinary(a, b Value, op func(int32, int32) int32) (Value, error) {
	if a.Tag != TagInt || b.Tag != TagInt {
		return Value{}, wrapErr(KindTypeMismatch, nil, "bitwise/logical op on %s and %s", a.Tag, b.Tag)
	}
	return IntValue(op(a.Int, b.Int)), nil
}

func evalEqual(a, b Value, negate bool) (Value, error) {
	if a.Tag != b.Tag {
		return Value{}, wrapErr(KindTypeMismatch, nil, "EQUAL/NEQUAL on %s and %s", a.Tag, b.Tag)
	}
	var eq bool
	switch a.Tag {
	case TagInt:
		eq = a.Int == b.Int
	case TagFloat:
		eq = a.Float == b.Float
	case TagString:
		eq = string(a.Str) == string(b.Str)
	case TagObject:
		eq = a.Object == b.Object
	case TagEngineStruct:
		eq = a.Struct == b.Struct
	default:
		return Value{}, wrapErr(KindTypeMismatch, nil, "EQUAL/NEQUAL on %s", a.Tag)
	}
	if negate {
		eq = !eq
	}
	return IntValue(boolInt(eq)), nil
}

func evalCompare(a, b Value, pred func(int) bool) (Value, error) {
	var c int
	switch {
	case a.Tag == TagInt && b.Tag == TagInt:
		c = compareInt32(a.Int, b.Int)
	case a.Tag == TagFloat && b.Tag == TagFloat:
		c = compareFloat32(a.Float, b.Float)
	default:
		return Value{}, wrapErr(KindTypeMismatch, nil, "ordered comparison on %s and %s", a.Tag, b.Tag)
	}
	return IntValue(boolInt(pred(c))), nil
}

func compareInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat32(a, b float32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
