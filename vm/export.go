package vm

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxExactInteger is the largest magnitude a JSON number carries exactly.
const maxExactInteger = 1 << 53

// ToProto converts v into a protobuf Value for embedders. Integers beyond
// 2^53 become strings; objects become {"class": ..., "fields": {...}}; a
// function reference becomes {"function": name}. Cyclic values are rejected.
func ToProto(v Value) (*structpb.Value, error) {
	return toProto(v, make(map[Value]bool))
}

func toProto(v Value, active map[Value]bool) (*structpb.Value, error) {
	switch x := v.(type) {
	case Void:
		return structpb.NewNullValue(), nil
	case Integer:
		if x > maxExactInteger || x < -maxExactInteger {
			return structpb.NewStringValue(x.String()), nil
		}
		return structpb.NewNumberValue(float64(x)), nil
	case Boolean:
		return structpb.NewBoolValue(bool(x)), nil
	case Text:
		return structpb.NewStringValue(string(x)), nil
	case FunctionRef:
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"function": structpb.NewStringValue(x.Name),
		}}), nil
	}

	if active[v] {
		return nil, fmt.Errorf("cannot export cyclic %s", v.Kind())
	}
	active[v] = true
	defer delete(active, v)

	switch x := v.(type) {
	case *List:
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(x.Elems))}
		for i, e := range x.Elems {
			pv, err := toProto(e, active)
			if err != nil {
				return nil, err
			}
			list.Values[i] = pv
		}
		return structpb.NewListValue(list), nil
	case *Map:
		fields, err := toProtoFields(x.Entries, active)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	case *Object:
		fields, err := toProtoFields(x.Fields, active)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"class":  structpb.NewStringValue(x.Class),
			"fields": structpb.NewStructValue(&structpb.Struct{Fields: fields}),
		}}), nil
	}
	return nil, fmt.Errorf("cannot export %s", v.Kind())
}

func toProtoFields(m map[string]Value, active map[Value]bool) (map[string]*structpb.Value, error) {
	fields := make(map[string]*structpb.Value, len(m))
	for k, e := range m {
		pv, err := toProto(e, active)
		if err != nil {
			return nil, err
		}
		fields[k] = pv
	}
	return fields, nil
}

// FromProto converts a protobuf Value into a runtime value. Numbers must be
// integral; structs become Maps. The returned containers are not allocated
// on any heap.
func FromProto(pv *structpb.Value) (Value, error) {
	switch k := pv.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return Void{}, nil
	case *structpb.Value_BoolValue:
		return Boolean(k.BoolValue), nil
	case *structpb.Value_StringValue:
		return Text(k.StringValue), nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > maxExactInteger {
			return nil, fmt.Errorf("number %v is not an exact integer", f)
		}
		return Integer(int64(f)), nil
	case *structpb.Value_ListValue:
		elems := make([]Value, len(k.ListValue.GetValues()))
		for i, e := range k.ListValue.GetValues() {
			v, err := FromProto(e)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return NewList(elems...), nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		m := NewMap(len(fields))
		for name, e := range fields {
			v, err := FromProto(e)
			if err != nil {
				return nil, err
			}
			m.Entries[name] = v
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported protobuf value %T", pv.GetKind())
}

// MarshalJSON renders v as JSON through its protobuf form.
func MarshalJSON(v Value) ([]byte, error) {
	pv, err := ToProto(v)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(pv)
}

// ParseArgs decodes a JSON array into call arguments.
func ParseArgs(data []byte) ([]Value, error) {
	var list structpb.ListValue
	if err := protojson.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	args := make([]Value, len(list.GetValues()))
	for i, e := range list.GetValues() {
		v, err := FromProto(e)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}
