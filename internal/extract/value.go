package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ValueKind tags which field of a Value is meaningful.
type ValueKind int

const (
	Null ValueKind = iota
	Bool
	Number
	String
	Array
	Object
)

// Value is a decoded JSON document. Object members keep document order.
type Value struct {
	Kind    ValueKind
	Bool    bool
	Number  json.Number
	Str     string
	Items   []Value
	Members []Member
}

type Member struct {
	Key   string
	Value Value
}

// Parse decodes a single JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := Value{Kind: Object}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				member, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj.Members = append(obj.Members, Member{Key: key, Value: member})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return obj, nil
		case '[':
			arr := Value{Kind: Array}
			for dec.More() {
				item, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr.Items = append(arr.Items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return arr, nil
		}
		return Value{}, fmt.Errorf("unexpected delimiter %q", t)
	case string:
		return Value{Kind: String, Str: t}, nil
	case json.Number:
		return Value{Kind: Number, Number: t}, nil
	case bool:
		return Value{Kind: Bool, Bool: t}, nil
	case nil:
		return Value{Kind: Null}, nil
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// Strings collects every string leaf of v in document order. Object keys
// are not included.
func Strings(v Value) []string {
	switch v.Kind {
	case String:
		return []string{v.Str}
	case Array:
		var out []string
		for _, item := range v.Items {
			out = append(out, Strings(item)...)
		}
		return out
	case Object:
		var out []string
		for _, m := range v.Members {
			out = append(out, Strings(m.Value)...)
		}
		return out
	}
	return nil
}
