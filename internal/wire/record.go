package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/firebuild-go/firebuild/errors"
)

// FieldKind tags a Record field's payload shape.
type FieldKind uint8

const (
	KindInt64 FieldKind = iota
	KindString
	KindBytes
	KindRecord
	KindArray
)

// Field is one tagged value in a Record. Exactly one of Int64/Str/Bytes/
// Rec/Arr is meaningful, selected by Kind. Array elements must all share
// one Kind (ArrKind) — scalar, string, or nested record.
type Field struct {
	FieldTag uint8
	Kind     FieldKind

	Int64 int64
	Str   string
	Bytes []byte
	Rec   *Record

	ArrKind FieldKind
	ArrI64  []int64
	ArrStr  []string
	ArrRec  []*Record
}

// Record is a tagged, self-describing payload: the wire representation
// of one scproc_query/open/close/... message body. Real zero-copy
// relative-pointer offsets (as the original record-codec template
// generates) aren't reproduced here; Encode/Decode instead use a plain
// tag+kind+length-prefixed encoding, which is simpler to verify without a
// code generator while preserving the "tagged, self-describing, one
// schema per tag" shape spec.md §6 calls for.
type Record struct {
	Fields []Field
}

// Set installs or replaces a scalar int64 field.
func (r *Record) SetInt64(tag uint8, v int64) {
	r.replace(Field{FieldTag: tag, Kind: KindInt64, Int64: v})
}

// SetString installs or replaces a string field.
func (r *Record) SetString(tag uint8, v string) {
	r.replace(Field{FieldTag: tag, Kind: KindString, Str: v})
}

// SetBytes installs or replaces a raw bytes field.
func (r *Record) SetBytes(tag uint8, v []byte) {
	r.replace(Field{FieldTag: tag, Kind: KindBytes, Bytes: v})
}

// SetRecord installs or replaces a nested record field.
func (r *Record) SetRecord(tag uint8, v *Record) {
	r.replace(Field{FieldTag: tag, Kind: KindRecord, Rec: v})
}

// SetStringArray installs or replaces an array-of-strings field.
func (r *Record) SetStringArray(tag uint8, v []string) {
	r.replace(Field{FieldTag: tag, Kind: KindArray, ArrKind: KindString, ArrStr: v})
}

func (r *Record) replace(f Field) {
	for i, existing := range r.Fields {
		if existing.FieldTag == f.FieldTag {
			r.Fields[i] = f
			return
		}
	}
	r.Fields = append(r.Fields, f)
}

// Get returns the field with the given tag, if present.
func (r *Record) Get(tag uint8) (Field, bool) {
	for _, f := range r.Fields {
		if f.FieldTag == tag {
			return f, true
		}
	}
	return Field{}, false
}

// Encode serializes r with its fields sorted by tag ascending, for
// deterministic output.
func (r *Record) Encode() []byte {
	sorted := make([]Field, len(r.Fields))
	copy(sorted, r.Fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FieldTag < sorted[j].FieldTag })

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(len(sorted)))
	for _, f := range sorted {
		encodeField(&buf, f)
	}
	return buf.Bytes()
}

func encodeField(buf *bytes.Buffer, f Field) {
	buf.WriteByte(f.FieldTag)
	buf.WriteByte(byte(f.Kind))
	switch f.Kind {
	case KindInt64:
		binary.Write(buf, binary.LittleEndian, f.Int64)
	case KindString:
		writeBytes(buf, []byte(f.Str))
	case KindBytes:
		writeBytes(buf, f.Bytes)
	case KindRecord:
		writeBytes(buf, f.Rec.Encode())
	case KindArray:
		buf.WriteByte(byte(f.ArrKind))
		switch f.ArrKind {
		case KindInt64:
			binary.Write(buf, binary.LittleEndian, uint32(len(f.ArrI64)))
			for _, v := range f.ArrI64 {
				binary.Write(buf, binary.LittleEndian, v)
			}
		case KindString:
			binary.Write(buf, binary.LittleEndian, uint32(len(f.ArrStr)))
			for _, v := range f.ArrStr {
				writeBytes(buf, []byte(v))
			}
		case KindRecord:
			binary.Write(buf, binary.LittleEndian, uint32(len(f.ArrRec)))
			for _, v := range f.ArrRec {
				writeBytes(buf, v.Encode())
			}
		}
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

// DecodeRecord parses bytes produced by Record.Encode.
func DecodeRecord(b []byte) (*Record, error) {
	r, _, err := decodeRecord(b)
	return r, err
}

func decodeRecord(b []byte) (*Record, []byte, error) {
	if len(b) < 2 {
		return nil, nil, malformed("record header")
	}
	count := binary.LittleEndian.Uint16(b)
	b = b[2:]

	r := &Record{}
	for i := uint16(0); i < count; i++ {
		f, rest, err := decodeField(b)
		if err != nil {
			return nil, nil, err
		}
		r.Fields = append(r.Fields, f)
		b = rest
	}
	return r, b, nil
}

func decodeField(b []byte) (Field, []byte, error) {
	if len(b) < 2 {
		return Field{}, nil, malformed("field header")
	}
	f := Field{FieldTag: b[0], Kind: FieldKind(b[1])}
	b = b[2:]

	switch f.Kind {
	case KindInt64:
		if len(b) < 8 {
			return Field{}, nil, malformed("int64 field")
		}
		f.Int64 = int64(binary.LittleEndian.Uint64(b))
		b = b[8:]
	case KindString:
		raw, rest, err := readBytes(b)
		if err != nil {
			return Field{}, nil, err
		}
		f.Str = string(raw)
		b = rest
	case KindBytes:
		raw, rest, err := readBytes(b)
		if err != nil {
			return Field{}, nil, err
		}
		f.Bytes = raw
		b = rest
	case KindRecord:
		raw, rest, err := readBytes(b)
		if err != nil {
			return Field{}, nil, err
		}
		nested, _, err := decodeRecord(raw)
		if err != nil {
			return Field{}, nil, err
		}
		f.Rec = nested
		b = rest
	case KindArray:
		if len(b) < 1 {
			return Field{}, nil, malformed("array kind byte")
		}
		f.ArrKind = FieldKind(b[0])
		b = b[1:]
		if len(b) < 4 {
			return Field{}, nil, malformed("array length")
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		switch f.ArrKind {
		case KindInt64:
			for i := uint32(0); i < n; i++ {
				if len(b) < 8 {
					return Field{}, nil, malformed("array int64 element")
				}
				f.ArrI64 = append(f.ArrI64, int64(binary.LittleEndian.Uint64(b)))
				b = b[8:]
			}
		case KindString:
			for i := uint32(0); i < n; i++ {
				raw, rest, err := readBytes(b)
				if err != nil {
					return Field{}, nil, err
				}
				f.ArrStr = append(f.ArrStr, string(raw))
				b = rest
			}
		case KindRecord:
			for i := uint32(0); i < n; i++ {
				raw, rest, err := readBytes(b)
				if err != nil {
					return Field{}, nil, err
				}
				nested, _, err := decodeRecord(raw)
				if err != nil {
					return Field{}, nil, err
				}
				f.ArrRec = append(f.ArrRec, nested)
				b = rest
			}
		default:
			return Field{}, nil, malformed("unknown array element kind")
		}
	default:
		return Field{}, nil, malformed("unknown field kind")
	}
	return f, b, nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, malformed("length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, malformed("truncated payload")
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}

func malformed(detail string) error {
	return errors.WrapWithDetail(errors.ErrMalformedMessage, errors.ErrProtocol, "wire.DecodeRecord", detail)
}

// DebugJSON renders r as a deterministic JSON document for
// troubleshooting, keyed by zero-padded field tag (spec.md §4.9 "every
// record has a debug printer that emits a deterministic JSON
// representation").
func (r *Record) DebugJSON() ([]byte, error) {
	return json.MarshalIndent(r.debugValue(), "", "  ")
}

func (r *Record) debugValue() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		key := fmt.Sprintf("%03d", f.FieldTag)
		switch f.Kind {
		case KindInt64:
			out[key] = f.Int64
		case KindString:
			out[key] = f.Str
		case KindBytes:
			out[key] = f.Bytes
		case KindRecord:
			out[key] = f.Rec.debugValue()
		case KindArray:
			switch f.ArrKind {
			case KindInt64:
				out[key] = f.ArrI64
			case KindString:
				out[key] = f.ArrStr
			case KindRecord:
				arr := make([]map[string]any, len(f.ArrRec))
				for i, v := range f.ArrRec {
					arr[i] = v.debugValue()
				}
				out[key] = arr
			}
		}
	}
	return out
}
