package parcel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/hwbinder/internal/testutil/testlog"
)

func TestWriteReadRoundTrip(t *testing.T) {
	testlog.Start(t)
	p := New()
	in := []byte{0x00, 0x01, 0xfe, 0xff}
	if err := p.Write(in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := p.Read(len(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch: got=%x want=%x", out, in)
	}
	if p.Remaining() != 0 {
		t.Fatalf("unexpected remaining: %d", p.Remaining())
	}
}

func TestReadUnderflow(t *testing.T) {
	testlog.Start(t)
	p := New()
	_ = p.Write([]byte("abc"))
	if _, err := p.Read(4); !errors.Is(err, ErrParcelUnderflow) {
		t.Fatalf("expected ErrParcelUnderflow, got %v", err)
	}
	if p.Remaining() != 3 {
		t.Fatalf("failed read must not advance cursor, remaining=%d", p.Remaining())
	}
	if _, err := p.Read(-1); !errors.Is(err, ErrParcelUnderflow) {
		t.Fatalf("expected ErrParcelUnderflow for negative read, got %v", err)
	}
}

func TestResetRewindsWithoutDiscarding(t *testing.T) {
	testlog.Start(t)
	p := New()
	_ = p.WriteString("reply")
	first, err := p.ReadString()
	if err != nil {
		t.Fatalf("read string: %v", err)
	}
	p.Reset()
	second, err := p.ReadString()
	if err != nil {
		t.Fatalf("read string after reset: %v", err)
	}
	if first != "reply" || second != "reply" {
		t.Fatalf("unexpected values: %q %q", first, second)
	}
	if p.Len() == 0 {
		t.Fatalf("reset must keep written data")
	}
}

func TestWriteOverflow(t *testing.T) {
	testlog.Start(t)
	p := NewWithLimit(8)
	if err := p.Write(make([]byte, 8)); err != nil {
		t.Fatalf("write at limit: %v", err)
	}
	if err := p.Write([]byte{1}); !errors.Is(err, ErrParcelOverflow) {
		t.Fatalf("expected ErrParcelOverflow, got %v", err)
	}
	if p.Len() != 8 {
		t.Fatalf("overflowing write must not append, len=%d", p.Len())
	}
}

func TestTypedHelpers(t *testing.T) {
	testlog.Start(t)
	p := New()
	_ = p.WriteUint32(7)
	_ = p.WriteUint64(1 << 40)
	_ = p.WriteBool(true)
	_ = p.WriteBytes([]byte{9, 8, 7})

	u32, err := p.ReadUint32()
	if err != nil || u32 != 7 {
		t.Fatalf("u32: %d %v", u32, err)
	}
	u64, err := p.ReadUint64()
	if err != nil || u64 != 1<<40 {
		t.Fatalf("u64: %d %v", u64, err)
	}
	b, err := p.ReadBool()
	if err != nil || !b {
		t.Fatalf("bool: %v %v", b, err)
	}
	blob, err := p.ReadBytes()
	if err != nil || !bytes.Equal(blob, []byte{9, 8, 7}) {
		t.Fatalf("bytes: %x %v", blob, err)
	}
}

func TestReadBytesTruncatedKeepsCursor(t *testing.T) {
	testlog.Start(t)
	p := New()
	_ = p.WriteUint32(10)
	_ = p.Write([]byte{1, 2})
	if _, err := p.ReadBytes(); !errors.Is(err, ErrParcelUnderflow) {
		t.Fatalf("expected ErrParcelUnderflow, got %v", err)
	}
	if p.Remaining() != 6 {
		t.Fatalf("cursor moved on failed blob read, remaining=%d", p.Remaining())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	testlog.Start(t)
	p := New()
	_ = p.Write([]byte("abc"))
	_, _ = p.Read(1)
	c := p.Clone()
	_ = p.Write([]byte("d"))
	if c.Len() != 3 || c.Remaining() != 3 {
		t.Fatalf("clone shares state: len=%d remaining=%d", c.Len(), c.Remaining())
	}
}
