package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
)

// MarshalJSON encodes y as plain JSON, with object keys in Keys() order.
// Priorities are not encoded.
func (y *Node) MarshalJSON() ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := y.encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (y *Node) encode(buf *bytes.Buffer) error {
	if !y.Exists() {
		buf.WriteString("null")
		return nil
	}
	switch y.Type {
	case StringType:
		d, err := json.Marshal(y.String)
		if err != nil {
			return err
		}
		buf.Write(d)
	case BoolType:
		buf.WriteString(strconv.FormatBool(y.Bool))
	case NumberType:
		if y.Float64 != nil && (math.IsInf(*y.Float64, 0) || math.IsNaN(*y.Float64)) {
			return fmt.Errorf("cannot encode %v as json", *y.Float64)
		}
		buf.WriteString(y.NumberString())
	case ObjectType:
		buf.WriteByte('{')
		for i, k := range y.Keys() {
			if i != 0 {
				buf.WriteByte(',')
			}
			d, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(d)
			buf.WriteByte(':')
			if err := y.values[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: type %s", errInternal, y.Type)
	}
	return nil
}

// UnmarshalJSON decodes d into y preserving object key order.  Arrays
// become objects keyed by index and null members are dropped.
func (y *Node) UnmarshalJSON(d []byte) error {
	res, err := FromJSON(d)
	if err != nil {
		return err
	}
	*y = *res
	return nil
}

// FromJSON parses a single JSON document.
func FromJSON(d []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(d))
	dec.UseNumber()
	res, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrParse)
	}
	return res, nil
}

func decodeValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			res := &Node{Type: ObjectType, values: map[string]*Node{}}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				k := kt.(string)
				if err := ValidKey(k); err != nil {
					return nil, err
				}
				child, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				res.insert(k, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return res, nil
		case '[':
			res := &Node{Type: ObjectType, values: map[string]*Node{}}
			i := 0
			for dec.More() {
				child, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				res.insert(strconv.Itoa(i), child)
				i++
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return res, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case nil:
		return Null(), nil
	case bool:
		return FromBool(v), nil
	case string:
		return FromString(v), nil
	case json.Number:
		return fromNumber(v)
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func fromNumber(n json.Number) (*Node, error) {
	if i, err := n.Int64(); err == nil {
		return FromInt(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return FromFloat(f), nil
}

// FromAny converts the result of decoding JSON into interface values
// (or similar Go values) into a Node.  Map keys are inserted in sorted
// order.
func FromAny(v any) (*Node, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case *Node:
		return x, nil
	case bool:
		return FromBool(x), nil
	case string:
		return FromString(x), nil
	case json.Number:
		return fromNumber(x)
	case int:
		return FromInt(int64(x)), nil
	case int32:
		return FromInt(int64(x)), nil
	case int64:
		return FromInt(x), nil
	case uint:
		return FromInt(int64(x)), nil
	case uint64:
		return FromInt(int64(x)), nil
	case float32:
		return FromFloat(float64(x)), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return FromInt(int64(x)), nil
		}
		return FromFloat(x), nil
	case map[string]any:
		res := &Node{Type: ObjectType, values: make(map[string]*Node, len(x))}
		for _, k := range slices.Sorted(maps.Keys(x)) {
			if err := ValidKey(k); err != nil {
				return nil, err
			}
			c, err := FromAny(x[k])
			if err != nil {
				return nil, err
			}
			res.insert(k, c)
		}
		return res, nil
	case []any:
		res := &Node{Type: ObjectType, values: make(map[string]*Node, len(x))}
		for i, e := range x {
			c, err := FromAny(e)
			if err != nil {
				return nil, err
			}
			res.insert(strconv.Itoa(i), c)
		}
		return res, nil
	}
	return nil, fmt.Errorf("cannot convert %T to node", v)
}

// MustFromAny is like FromAny but panics on error.
func MustFromAny(v any) *Node {
	res, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return res
}

// ToAny converts y to plain Go values: map[string]any, string, int64,
// float64, bool or nil.
func (y *Node) ToAny() any {
	if !y.Exists() {
		return nil
	}
	switch y.Type {
	case StringType:
		return y.String
	case BoolType:
		return y.Bool
	case NumberType:
		if y.Int64 != nil {
			return *y.Int64
		}
		if y.Float64 != nil {
			return *y.Float64
		}
		return int64(0)
	case ObjectType:
		res := make(map[string]any, len(y.fields))
		for k, v := range y.values {
			res[k] = v.ToAny()
		}
		return res
	}
	return nil
}
