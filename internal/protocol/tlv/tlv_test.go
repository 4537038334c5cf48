package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "vendor.echo@1.0::IEcho"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedGetters(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U32(1, 0x5f535052),
		U64(2, 1<<33),
		String(3, "default"),
		Bytes(4, []byte{1, 2}),
		Bool(5, true),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := GetU32(fields, 1); err != nil || v != 0x5f535052 {
		t.Fatalf("u32: %x %v", v, err)
	}
	if v, err := GetU64(fields, 2); err != nil || v != 1<<33 {
		t.Fatalf("u64: %d %v", v, err)
	}
	if GetString(fields, 3) != "default" {
		t.Fatalf("string mismatch")
	}
	if !bytes.Equal(GetBytes(fields, 4), []byte{1, 2}) {
		t.Fatalf("bytes mismatch")
	}
	if !GetBool(fields, 5) {
		t.Fatalf("bool mismatch")
	}
	if _, err := GetU32(fields, 42); !errors.Is(err, ErrFieldMissing) {
		t.Fatalf("expected ErrFieldMissing, got %v", err)
	}
	if _, err := GetU32(fields, 2); err == nil {
		t.Fatalf("expected type mismatch for u64 field read as u32")
	}
}
