// Package parcel owns the opaque transaction payload container.
//
// A Parcel is an append-only byte sequence with an independent read cursor.
// Its internal layout is owned by the caller; the typed helpers below are
// conveniences that both ends of one program must agree on.
//
// Ownership boundary:
// - the caller owns a request parcel until it is handed to Transact
// - the transport owns it in transit, the handler while handling
// - the reply parcel returned by Transact belongs to the caller
package parcel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxBytes matches the per-process binder transaction buffer.
const DefaultMaxBytes = 1 << 20

var (
	ErrParcelUnderflow = errors.New("parcel: underflow")
	ErrParcelOverflow  = errors.New("parcel: overflow")
)

// Parcel is one transaction argument or result buffer.
type Parcel struct {
	buf      []byte
	rpos     int
	maxBytes int
}

// New returns an empty parcel bounded by DefaultMaxBytes.
func New() *Parcel {
	return &Parcel{maxBytes: DefaultMaxBytes}
}

// NewWithLimit returns an empty parcel bounded by maxBytes. Non-positive
// limits fall back to DefaultMaxBytes.
func NewWithLimit(maxBytes int) *Parcel {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Parcel{maxBytes: maxBytes}
}

// FromBytes adopts b as the parcel contents. The caller gives up b.
func FromBytes(b []byte) *Parcel {
	return &Parcel{buf: b, maxBytes: max(DefaultMaxBytes, len(b))}
}

// Write appends b.
func (p *Parcel) Write(b []byte) error {
	if len(p.buf)+len(b) > p.limit() {
		return fmt.Errorf("%w: have=%d add=%d max=%d", ErrParcelOverflow, len(p.buf), len(b), p.limit())
	}
	p.buf = append(p.buf, b...)
	return nil
}

// Read returns the next n bytes and advances the read cursor. The returned
// slice aliases the parcel and is valid until the parcel is reused.
func (p *Parcel) Read(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read %d", ErrParcelUnderflow, n)
	}
	if p.Remaining() < n {
		return nil, fmt.Errorf("%w: want=%d remaining=%d", ErrParcelUnderflow, n, p.Remaining())
	}
	out := p.buf[p.rpos : p.rpos+n]
	p.rpos += n
	return out, nil
}

// Reset rewinds the read cursor; written data is kept.
func (p *Parcel) Reset() {
	p.rpos = 0
}

// Len is the number of written bytes.
func (p *Parcel) Len() int {
	if p == nil {
		return 0
	}
	return len(p.buf)
}

// Remaining is the number of unread bytes.
func (p *Parcel) Remaining() int {
	return len(p.buf) - p.rpos
}

// Bytes exposes the written data without copying.
func (p *Parcel) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.buf
}

func (p *Parcel) limit() int {
	if p.maxBytes <= 0 {
		return DefaultMaxBytes
	}
	return p.maxBytes
}

func (p *Parcel) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.Write(b[:])
}

func (p *Parcel) ReadUint32() (uint32, error) {
	b, err := p.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *Parcel) WriteUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.Write(b[:])
}

func (p *Parcel) ReadUint64() (uint64, error) {
	b, err := p.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (p *Parcel) WriteBool(v bool) error {
	if v {
		return p.WriteUint32(1)
	}
	return p.WriteUint32(0)
}

func (p *Parcel) ReadBool() (bool, error) {
	v, err := p.ReadUint32()
	return v != 0, err
}

// WriteBytes writes a u32 length prefix followed by b.
func (p *Parcel) WriteBytes(b []byte) error {
	if len(b) > p.limit() {
		return fmt.Errorf("%w: blob=%d max=%d", ErrParcelOverflow, len(b), p.limit())
	}
	if err := p.WriteUint32(uint32(len(b))); err != nil {
		return err
	}
	return p.Write(b)
}

// ReadBytes reads a length-prefixed blob and returns a copy.
func (p *Parcel) ReadBytes() ([]byte, error) {
	n, err := p.ReadUint32()
	if err != nil {
		return nil, err
	}
	b, err := p.Read(int(n))
	if err != nil {
		p.rpos -= 4
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (p *Parcel) WriteString(s string) error {
	return p.WriteBytes([]byte(s))
}

func (p *Parcel) ReadString() (string, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clone returns an independent copy with the read cursor rewound.
func (p *Parcel) Clone() *Parcel {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return &Parcel{buf: out, maxBytes: p.maxBytes}
}
