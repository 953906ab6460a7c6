package action

import "nwscript/vm"

// Value is one action-ABI parameter or return slot. It generalizes
// vm.Value with the one shape the operand-stack cell model can't carry
// directly: a vector, which occupies three adjacent float cells at the
// ABI boundary rather than a single tagged cell.
type Value struct {
	Tag    vm.Tag
	Scalar vm.Value
	Vector vm.Vector
}

func IntArg(v int32) Value          { return Value{Tag: vm.TagInt, Scalar: vm.IntValue(v)} }
func FloatArg(v float32) Value      { return Value{Tag: vm.TagFloat, Scalar: vm.FloatValue(v)} }
func StringArg(v []byte) Value      { return Value{Tag: vm.TagString, Scalar: vm.StringValue(v)} }
func ObjectArg(v vm.ObjectID) Value { return Value{Tag: vm.TagObject, Scalar: vm.ObjectValue(v)} }
func VectorArg(v vm.Vector) Value   { return Value{Tag: vm.TagVector, Vector: v} }
func EngineStructArg(h vm.EngineStructHandle) Value {
	return Value{Tag: vm.TagEngineStruct, Scalar: vm.EngineStructValue(h)}
}

func (v Value) Int() int32                          { return v.Scalar.Int }
func (v Value) Float() float32                      { return v.Scalar.Float }
func (v Value) String() string                      { return string(v.Scalar.Str) }
func (v Value) Bytes() []byte                       { return v.Scalar.Str }
func (v Value) Object() vm.ObjectID                 { return v.Scalar.Object }
func (v Value) EngineStruct() vm.EngineStructHandle { return v.Scalar.Struct }

func defaultValue(tag vm.Tag) Value {
	if tag == vm.TagVector {
		return Value{Tag: vm.TagVector}
	}
	return Value{Tag: tag, Scalar: vm.Default(tag)}
}
