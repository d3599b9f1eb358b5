// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package structclone

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"reflect"
)

// Encode serializes value. Composite values are assigned ids in
// pre-order; later occurrences encode as back-references, which is what
// preserves shared references and cycles.
func Encode(value any) ([]byte, error) {
	encoder := &encoder{ids: make(map[uintptr]int)}
	node, err := encoder.encode(value)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, ErrDataClone.Wrap(err)
	}
	return raw, nil
}

// Decode reverses Encode.
func Decode(raw []byte) (any, error) {
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, ErrDataClone.Wrap(err)
	}
	decoder := &decoder{refs: make(map[float64]any)}
	return decoder.decode(node)
}

type encoder struct {
	ids  map[uintptr]int
	next int
}

// ref returns the id of a previously visited composite, or assigns one.
func (e *encoder) ref(pointer uintptr) (id int, seen bool) {
	if id, ok := e.ids[pointer]; ok {
		return id, true
	}
	id = e.next
	e.next++
	e.ids[pointer] = id
	return id, false
}

func backref(id int) map[string]any {
	return map[string]any{"$": "ref", "id": id}
}

func (e *encoder) encode(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return map[string]any{"$": "number", "v": describeNumber(v)}, nil
		}
		return v, nil

	case Object:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		fields := make(map[string]any, len(v))
		for key, item := range v {
			node, err := e.encode(item)
			if err != nil {
				return nil, err
			}
			fields[key] = node
		}
		return map[string]any{"$": "object", "id": id, "v": fields}, nil

	case *Array:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		items, err := e.encodeList(v.Items)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$": "array", "id": id, "v": items}, nil

	case *Map:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		entries := make([]any, 0, len(v.Entries))
		for _, entry := range v.Entries {
			key, err := e.encode(entry.Key)
			if err != nil {
				return nil, err
			}
			item, err := e.encode(entry.Value)
			if err != nil {
				return nil, err
			}
			entries = append(entries, []any{key, item})
		}
		return map[string]any{"$": "map", "id": id, "v": entries}, nil

	case *Set:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		items, err := e.encodeList(v.Values)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$": "set", "id": id, "v": items}, nil

	case Date:
		return map[string]any{"$": "date", "v": v.UnixMs}, nil

	case RegExp:
		return map[string]any{"$": "regexp", "source": v.Source, "flags": v.Flags}, nil

	case *ErrorValue:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		cause, err := e.encode(v.Cause)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"$": "error", "id": id,
			"name": v.Name, "message": v.Message, "stack": v.Stack,
			"cause": cause,
		}, nil

	case *ArrayBuffer:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		return map[string]any{
			"$": "buffer", "id": id,
			"v": base64.StdEncoding.EncodeToString(v.Data),
		}, nil

	case *TypedArray:
		id, seen := e.ref(reflect.ValueOf(v).Pointer())
		if seen {
			return backref(id), nil
		}
		buffer, err := e.encode(v.Buffer)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"$": "view", "id": id, "kind": v.Kind,
			"buffer": buffer, "offset": v.ByteOffset, "length": v.ByteLength,
		}, nil

	default:
		return nil, ErrDataClone.New("%T could not be cloned", value)
	}
}

func (e *encoder) encodeList(items []any) ([]any, error) {
	nodes := make([]any, 0, len(items))
	for _, item := range items {
		node, err := e.encode(item)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func describeNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return "-inf"
	}
}

func parseNumber(desc string) float64 {
	switch desc {
	case "nan":
		return math.NaN()
	case "+inf":
		return math.Inf(1)
	default:
		return math.Inf(-1)
	}
}

type decoder struct {
	refs map[float64]any
}

// decode rebuilds a value. Composites register a stub under their id
// before their children decode, so back-references to an ancestor
// resolve mid-fill.
func (d *decoder) decode(node any) (any, error) {
	tagged, ok := node.(map[string]any)
	if !ok {
		return node, nil
	}
	id, _ := tagged["id"].(float64)

	switch tagged["$"] {
	case "ref":
		value, ok := d.refs[id]
		if !ok {
			return nil, ErrDataClone.New("dangling back-reference %v", id)
		}
		return value, nil

	case "number":
		desc, _ := tagged["v"].(string)
		return parseNumber(desc), nil

	case "object":
		object := make(Object)
		d.refs[id] = object
		fields, _ := tagged["v"].(map[string]any)
		for key, child := range fields {
			value, err := d.decode(child)
			if err != nil {
				return nil, err
			}
			object[key] = value
		}
		return object, nil

	case "array":
		array := &Array{}
		d.refs[id] = array
		items, err := d.decodeList(tagged["v"])
		if err != nil {
			return nil, err
		}
		array.Items = items
		return array, nil

	case "map":
		result := &Map{}
		d.refs[id] = result
		entries, _ := tagged["v"].([]any)
		for _, raw := range entries {
			pair, _ := raw.([]any)
			if len(pair) != 2 {
				return nil, ErrDataClone.New("malformed map entry")
			}
			key, err := d.decode(pair[0])
			if err != nil {
				return nil, err
			}
			value, err := d.decode(pair[1])
			if err != nil {
				return nil, err
			}
			result.Entries = append(result.Entries, MapEntry{Key: key, Value: value})
		}
		return result, nil

	case "set":
		result := &Set{}
		d.refs[id] = result
		values, err := d.decodeList(tagged["v"])
		if err != nil {
			return nil, err
		}
		result.Values = values
		return result, nil

	case "date":
		ms, _ := tagged["v"].(float64)
		return Date{UnixMs: int64(ms)}, nil

	case "regexp":
		source, _ := tagged["source"].(string)
		flags, _ := tagged["flags"].(string)
		return RegExp{Source: source, Flags: flags}, nil

	case "error":
		errValue := &ErrorValue{}
		d.refs[id] = errValue
		errValue.Name, _ = tagged["name"].(string)
		errValue.Message, _ = tagged["message"].(string)
		errValue.Stack, _ = tagged["stack"].(string)
		cause, err := d.decode(tagged["cause"])
		if err != nil {
			return nil, err
		}
		errValue.Cause = cause
		return errValue, nil

	case "buffer":
		encoded, _ := tagged["v"].(string)
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, ErrDataClone.Wrap(err)
		}
		buffer := &ArrayBuffer{Data: data}
		d.refs[id] = buffer
		return buffer, nil

	case "view":
		view := &TypedArray{}
		d.refs[id] = view
		view.Kind, _ = tagged["kind"].(string)
		buffer, err := d.decode(tagged["buffer"])
		if err != nil {
			return nil, err
		}
		view.Buffer, _ = buffer.(*ArrayBuffer)
		offset, _ := tagged["offset"].(float64)
		length, _ := tagged["length"].(float64)
		view.ByteOffset = int(offset)
		view.ByteLength = int(length)
		return view, nil

	default:
		return nil, ErrDataClone.New("unknown node tag %v", tagged["$"])
	}
}

func (d *decoder) decodeList(node any) ([]any, error) {
	raw, _ := node.([]any)
	items := make([]any, 0, len(raw))
	for _, child := range raw {
		value, err := d.decode(child)
		if err != nil {
			return nil, err
		}
		items = append(items, value)
	}
	return items, nil
}
