// Package canonical implements the deterministic JSON serialization that
// feeds content addressing.
//
// The output matches json.dumps(v, sort_keys=True, separators=(",", ":"))
// as produced by the registry's reference tooling: object keys sorted by
// byte order, no insignificant whitespace, and every character outside
// printable ASCII escaped as \uXXXX.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

const hexDigits = "0123456789abcdef"

// Encode is the canonicalization choke point for payloads.
//
// Every payload MUST pass through Encode before CID derivation. Semantically
// equal values produce identical bytes regardless of map construction order.
func Encode(v any) ([]byte, error) {
	if !validStrings(reflect.ValueOf(v), 0) {
		return nil, errs.New(errs.KindEncoding, "canonical encode", "strings must be valid UTF-8")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindEncoding, "canonical encode", "payload is not representable as JSON", err)
	}
	return EncodeJSON(raw)
}

// EncodeJSON canonicalizes an existing JSON document.
func EncodeJSON(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, errs.New(errs.KindEncoding, "canonical encode", "JSON must be valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, errs.Wrap(errs.KindEncoding, "canonical encode", "invalid JSON", err)
	}
	if dec.More() {
		return nil, errs.New(errs.KindEncoding, "canonical encode", "trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := write(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maxDepth matches the nesting at which json.Marshal gives up on cycles.
const maxDepth = 1000

// validStrings reports whether every string reachable from v, map keys
// included, is valid UTF-8. json.Marshal replaces invalid bytes with
// U+FFFD, which would give distinct payloads the same encoding.
func validStrings(v reflect.Value, depth int) bool {
	if depth > maxDepth {
		return true
	}
	switch v.Kind() {
	case reflect.String:
		return utf8.ValidString(v.String())
	case reflect.Pointer, reflect.Interface:
		return v.IsNil() || validStrings(v.Elem(), depth+1)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// base64 or json.RawMessage; the latter is checked after marshalling.
			return true
		}
		fallthrough
	case reflect.Array:
		for i := range v.Len() {
			if !validStrings(v.Index(i), depth+1) {
				return false
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !validStrings(iter.Key(), depth+1) || !validStrings(iter.Value(), depth+1) {
				return false
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := range v.NumField() {
			if f := t.Field(i); !f.IsExported() && !f.Anonymous {
				continue
			}
			if !validStrings(v.Field(i), depth+1) {
				return false
			}
		}
	}
	return true
}

func write(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// Literal text as decoded; json.Marshal already emits the shortest form.
		buf.WriteString(t.String())
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errs.New(errs.KindEncoding, "canonical encode", fmt.Sprintf("unsupported value of type %T", v))
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r < 0x10000:
				writeUnit(buf, uint16(r))
			default:
				r -= 0x10000
				writeUnit(buf, uint16(0xd800|(r>>10)&0x3ff))
				writeUnit(buf, uint16(0xdc00|r&0x3ff))
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnit(buf *bytes.Buffer, u uint16) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[u>>12&0xf])
	buf.WriteByte(hexDigits[u>>8&0xf])
	buf.WriteByte(hexDigits[u>>4&0xf])
	buf.WriteByte(hexDigits[u&0xf])
}
