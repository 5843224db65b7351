// Package bencode implements the bencode serialization format used by the
// Mainline DHT (KRPC, BEP 5) and the BitTorrent wire protocol's ut_metadata
// extension (BEP 9). It supports the four bencode types — integers,
// byte-strings, lists and byte-string-keyed dictionaries — and nothing else.
//
// Dictionary keys are always emitted in lexicographic byte order on encode;
// peers validate this ordering, so it is treated as a correctness
// requirement rather than a style choice.
package bencode

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// DecodeError is returned for any malformed bencode input.
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return "bencode: decode error: " + e.Msg }

// EncodeError is returned when a value has no bencode representation.
type EncodeError struct {
	Msg string
}

func (e *EncodeError) Error() string { return "bencode: encode error: " + e.Msg }

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

func encodeErrorf(format string, args ...interface{}) error {
	return &EncodeError{Msg: fmt.Sprintf(format, args...)}
}

// Decode parses the entire buffer as a single bencode value. It is an error
// for trailing bytes to remain after the value.
func Decode(buf []byte) (interface{}, error) {
	v, n, err := DecodePrefix(buf)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, decodeErrorf("%d trailing bytes after value", len(buf)-n)
	}
	return v, nil
}

// DecodePrefix parses a single bencode value from the start of buf and
// returns it along with the number of bytes consumed. This is used to split
// a ut_metadata extension payload into its leading bencoded dict and the
// raw piece bytes that follow it.
func DecodePrefix(buf []byte) (value interface{}, consumed int, err error) {
	return decodeValue(buf, 0)
}

func decodeValue(buf []byte, pos int) (interface{}, int, error) {
	if pos >= len(buf) {
		return nil, pos, decodeErrorf("unexpected end of input")
	}
	switch buf[pos] {
	case 'i':
		return decodeInt(buf, pos)
	case 'l':
		return decodeList(buf, pos)
	case 'd':
		return decodeDict(buf, pos)
	default:
		if buf[pos] >= '0' && buf[pos] <= '9' {
			return decodeString(buf, pos)
		}
		return nil, pos, decodeErrorf("unexpected byte %q at offset %d", buf[pos], pos)
	}
}

func decodeInt(buf []byte, pos int) (interface{}, int, error) {
	// pos points at 'i'.
	end := indexByte(buf, pos+1, 'e')
	if end < 0 {
		return nil, pos, decodeErrorf("unterminated integer at offset %d", pos)
	}
	digits := string(buf[pos+1 : end])
	if digits == "" || digits == "-" {
		return nil, pos, decodeErrorf("empty integer at offset %d", pos)
	}
	if digits != "0" {
		if digits[0] == '0' || (digits[0] == '-' && digits[1] == '0') {
			return nil, pos, decodeErrorf("integer with leading zero at offset %d", pos)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, pos, decodeErrorf("invalid integer %q: %v", digits, err)
	}
	return n, end + 1, nil
}

func decodeString(buf []byte, pos int) (interface{}, int, error) {
	colon := indexByte(buf, pos, ':')
	if colon < 0 {
		return nil, pos, decodeErrorf("malformed byte-string length at offset %d", pos)
	}
	lengthDigits := string(buf[pos:colon])
	length, err := strconv.Atoi(lengthDigits)
	if err != nil || length < 0 {
		return nil, pos, decodeErrorf("invalid byte-string length %q at offset %d", lengthDigits, pos)
	}
	start := colon + 1
	end := start + length
	if end > len(buf) {
		return nil, pos, decodeErrorf("byte-string length %d overruns buffer at offset %d", length, pos)
	}
	return string(buf[start:end]), end, nil
}

func decodeList(buf []byte, pos int) (interface{}, int, error) {
	pos++ // consume 'l'
	list := make([]interface{}, 0, 4)
	for {
		if pos >= len(buf) {
			return nil, pos, decodeErrorf("unterminated list")
		}
		if buf[pos] == 'e' {
			return list, pos + 1, nil
		}
		v, next, err := decodeValue(buf, pos)
		if err != nil {
			return nil, pos, err
		}
		list = append(list, v)
		pos = next
	}
}

func decodeDict(buf []byte, pos int) (interface{}, int, error) {
	pos++ // consume 'd'
	dict := make(map[string]interface{})
	for {
		if pos >= len(buf) {
			return nil, pos, decodeErrorf("unterminated dict")
		}
		if buf[pos] == 'e' {
			return dict, pos + 1, nil
		}
		// Peers that send unordered keys are tolerated on decode — we
		// don't want to drop otherwise-valid announce traffic just
		// because a client misbehaves. Only our own Marshal must
		// guarantee lexicographic order.
		keyVal, next, err := decodeString(buf, pos)
		if err != nil {
			return nil, pos, decodeErrorf("dict key: %v", err)
		}
		key := keyVal.(string)
		pos = next
		val, next2, err := decodeValue(buf, pos)
		if err != nil {
			return nil, pos, err
		}
		dict[key] = val
		pos = next2
	}
}

func indexByte(buf []byte, from int, c byte) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == c {
			return i
		}
	}
	return -1
}

// Marshal encodes v as bencode. v may be a struct (whose exported fields
// are tagged `bencode:"name,omitempty"`), a map[string]interface{}
// (encoded with lexicographically sorted keys), a []interface{}/slice,
// a string, []byte, or any integer kind.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	buf, err := marshalValue(buf, reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func marshalValue(buf []byte, v reflect.Value) ([]byte, error) {
	if !v.IsValid() {
		return nil, encodeErrorf("cannot encode nil value")
	}
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, encodeErrorf("cannot encode nil pointer/interface")
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		return marshalString(buf, v.String()), nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return marshalString(buf, string(v.Bytes())), nil
		}
		return marshalList(buf, v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return marshalString(buf, string(b)), nil
		}
		return marshalList(buf, v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return append(buf, []byte(fmt.Sprintf("i%de", v.Int()))...), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return append(buf, []byte(fmt.Sprintf("i%de", v.Uint()))...), nil
	case reflect.Bool:
		n := 0
		if v.Bool() {
			n = 1
		}
		return append(buf, []byte(fmt.Sprintf("i%de", n))...), nil
	case reflect.Map:
		return marshalMap(buf, v)
	case reflect.Struct:
		return marshalStruct(buf, v)
	default:
		return nil, encodeErrorf("unsupported kind %v", v.Kind())
	}
}

func marshalString(buf []byte, s string) []byte {
	buf = append(buf, []byte(strconv.Itoa(len(s)))...)
	buf = append(buf, ':')
	return append(buf, []byte(s)...)
}

func marshalList(buf []byte, v reflect.Value) ([]byte, error) {
	buf = append(buf, 'l')
	for i := 0; i < v.Len(); i++ {
		var err error
		buf, err = marshalValue(buf, v.Index(i))
		if err != nil {
			return nil, err
		}
	}
	return append(buf, 'e'), nil
}

func marshalMap(buf []byte, v reflect.Value) ([]byte, error) {
	if v.Type().Key().Kind() != reflect.String {
		return nil, encodeErrorf("map keys must be strings, got %v", v.Type().Key())
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	buf = append(buf, 'd')
	for _, k := range keys {
		buf = marshalString(buf, k)
		var err error
		buf, err = marshalValue(buf, v.MapIndex(reflect.ValueOf(k)))
		if err != nil {
			return nil, err
		}
	}
	return append(buf, 'e'), nil
}

type taggedField struct {
	name      string
	omitempty bool
	index     int
}

func marshalStruct(buf []byte, v reflect.Value) ([]byte, error) {
	t := v.Type()
	fields := make([]taggedField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		fields = append(fields, taggedField{name: name, omitempty: opts == "omitempty", index: i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	buf = append(buf, 'd')
	for _, tf := range fields {
		fv := v.Field(tf.index)
		if tf.omitempty && isEmptyValue(fv) {
			continue
		}
		buf = marshalString(buf, tf.name)
		var err error
		buf, err = marshalValue(buf, fv)
		if err != nil {
			return nil, encodeErrorf("field %q: %v", tf.name, err)
		}
	}
	return append(buf, 'e'), nil
}

func parseTag(tag string) (name, opts string) {
	if tag == "" {
		return "", ""
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i], tag[i+1:]
		}
	}
	return tag, ""
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.String:
		return v.Len() == 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Bool:
		return !v.Bool()
	}
	return false
}
