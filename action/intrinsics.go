package action

import "strconv"

// Intrinsic substitutes for the whitelisted string/conversion actions:
// identical results to the slow path, no host callback.
// Negative or overflowing offsets degrade to the empty string rather
// than failing, matching the documented intrinsic contract.

func intrinsicStringLength(_ *Context, args []Value) ([]Value, error) {
	return []Value{IntArg(int32(len(args[0].Bytes())))}, nil
}

func intrinsicStringLeft(_ *Context, args []Value) ([]Value, error) {
	s := args[0].Bytes()
	n := args[1].Int()
	if n <= 0 {
		return []Value{StringArg(nil)}, nil
	}
	if int(n) > len(s) {
		n = int32(len(s))
	}
	return []Value{StringArg(append([]byte(nil), s[:n]...))}, nil
}

func intrinsicStringRight(_ *Context, args []Value) ([]Value, error) {
	s := args[0].Bytes()
	n := args[1].Int()
	if n <= 0 {
		return []Value{StringArg(nil)}, nil
	}
	if int(n) > len(s) {
		n = int32(len(s))
	}
	return []Value{StringArg(append([]byte(nil), s[len(s)-int(n):]...))}, nil
}

func intrinsicSubString(_ *Context, args []Value) ([]Value, error) {
	s := args[0].Bytes()
	start := int(args[1].Int())
	count := int(args[2].Int())
	if start < 0 || start >= len(s) {
		return []Value{StringArg(nil)}, nil
	}
	if count < 0 {
		// Negative count: the remainder of the string from start.
		// Existing content relies on this interpretation.
		count = len(s) - start
	}
	end := start + count
	if end > len(s) {
		end = len(s)
	}
	return []Value{StringArg(append([]byte(nil), s[start:end]...))}, nil
}

func intrinsicIntToString(_ *Context, args []Value) ([]Value, error) {
	return []Value{StringArg([]byte(strconv.Itoa(int(args[0].Int()))))}, nil
}
