/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package packet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net/netip"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

const (
	// headerSize is the fixed prefix: type, version, sequence.
	headerSize = 1 + 1 + 4

	// sourceIDSize is the local ID appended to sourced packets.
	sourceIDSize = 2

	// MACSize is the truncated HMAC-SHA256 trailer on sourced packets.
	MACSize = 16
)

// Packet is a decoded control plane datagram.
type Packet struct {
	// Type classifies the payload.
	Type Type

	// Version is the protocol version the sender speaks for this type.
	Version uint8

	// Sequence is the sender's monotonically increasing packet counter.
	Sequence uint32

	// SourceID is the sender's local ID; only meaningful on sourced types.
	SourceID uint16

	// Payload is the type specific body, MAC excluded.
	Payload []byte

	// mac is the verification trailer carried by sourced packets.
	mac []byte
}

// New builds an outbound packet of the given type at the controller's
// protocol version.
func New(t Type, payload []byte) *Packet {
	return &Packet{
		Type:    t,
		Version: VersionFor(t),
		Payload: payload,
	}
}

// Encode serializes the packet. For sourced types a non-nil secret must be
// supplied and an HMAC trailer is appended.
func (p *Packet) Encode(secret *uuid.UUID) ([]byte, error) {
	if p.Type.Sourced() && secret == nil {
		return nil, trace.BadParameter("packet type %v requires a session secret", p.Type)
	}
	size := headerSize + len(p.Payload)
	if p.Type.Sourced() {
		size += sourceIDSize + MACSize
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(p.Type), p.Version)
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)
	if p.Type.Sourced() {
		buf = binary.BigEndian.AppendUint16(buf, p.SourceID)
	}
	buf = append(buf, p.Payload...)
	if p.Type.Sourced() {
		buf = append(buf, computeMAC(*secret, buf)...)
	}
	return buf, nil
}

// Decode parses a raw datagram. The MAC of sourced packets is retained for
// later verification once the sender's session secret is known.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < headerSize {
		return nil, trace.BadParameter("short packet: %v bytes", len(raw))
	}
	p := &Packet{
		Type:     Type(raw[0]),
		Version:  raw[1],
		Sequence: binary.BigEndian.Uint32(raw[2:6]),
	}
	body := raw[headerSize:]
	if p.Type.Sourced() {
		if len(body) < sourceIDSize+MACSize {
			return nil, trace.BadParameter("short sourced packet: %v bytes", len(raw))
		}
		p.SourceID = binary.BigEndian.Uint16(body[:sourceIDSize])
		p.Payload = body[sourceIDSize : len(body)-MACSize]
		p.mac = body[len(body)-MACSize:]
		return p, nil
	}
	p.Payload = body
	return p, nil
}

// VerifyMAC recomputes the HMAC with the given secret and compares it to
// the trailer in constant time.
func (p *Packet) VerifyMAC(secret uuid.UUID, raw []byte) bool {
	if len(raw) < MACSize {
		return false
	}
	expected := computeMAC(secret, raw[:len(raw)-MACSize])
	return hmac.Equal(expected, p.mac)
}

func computeMAC(secret uuid.UUID, data []byte) []byte {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(data)
	return mac.Sum(nil)[:MACSize]
}

// Buffer accumulates a payload using the control plane's field encodings:
// raw 16-byte UUIDs, length prefixed strings and byte blobs, and socket
// addresses as {family, address, port}.
type Buffer struct {
	buf bytes.Buffer
}

// Bytes returns the accumulated payload.
func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(v byte) error { return b.buf.WriteByte(v) }

// WriteUint16 appends a big endian uint16.
func (b *Buffer) WriteUint16(v uint16) {
	b.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

// WriteUint32 appends a big endian uint32.
func (b *Buffer) WriteUint32(v uint32) {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

// WriteUint64 appends a big endian uint64.
func (b *Buffer) WriteUint64(v uint64) {
	b.buf.Write(binary.BigEndian.AppendUint64(nil, v))
}

// WriteUUID appends the 16 raw bytes of an RFC-4122 UUID.
func (b *Buffer) WriteUUID(id uuid.UUID) {
	b.buf.Write(id[:])
}

// WriteString appends a uint16 length prefixed UTF-8 string.
func (b *Buffer) WriteString(s string) {
	b.WriteUint16(uint16(len(s)))
	b.buf.WriteString(s)
}

// WriteBytes appends a uint16 length prefixed blob.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteUint16(uint16(len(p)))
	b.buf.Write(p)
}

// WriteSockAddr appends a socket address as {family:u8, addr, port:u16}.
func (b *Buffer) WriteSockAddr(ap netip.AddrPort) {
	addr := ap.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		b.buf.WriteByte(4)
		v4 := addr.As4()
		b.buf.Write(v4[:])
	} else {
		b.buf.WriteByte(6)
		v6 := addr.As16()
		b.buf.Write(v6[:])
	}
	b.WriteUint16(ap.Port())
}

// Reader consumes a payload written with Buffer's encodings.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps a payload for decoding.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Err returns the first decoding error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the bytes not yet consumed.
func (r *Reader) Remaining() []byte { return r.buf[r.off:] }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = trace.BadParameter("truncated payload: need %v bytes at offset %v", n, r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

// ReadByte consumes a single byte.
func (r *Reader) ReadByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadUint16 consumes a big endian uint16.
func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// ReadUint32 consumes a big endian uint32.
func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// ReadUint64 consumes a big endian uint64.
func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ReadUUID consumes 16 raw UUID bytes.
func (r *Reader) ReadUUID() uuid.UUID {
	b := r.take(16)
	if b == nil {
		return uuid.Nil
	}
	var id uuid.UUID
	copy(id[:], b)
	return id
}

// ReadString consumes a uint16 length prefixed string.
func (r *Reader) ReadString() string {
	n := int(r.ReadUint16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadBytes consumes a uint16 length prefixed blob.
func (r *Reader) ReadBytes() []byte {
	n := int(r.ReadUint16())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ReadSockAddr consumes a {family, addr, port} socket address.
func (r *Reader) ReadSockAddr() netip.AddrPort {
	family := r.ReadByte()
	var addr netip.Addr
	switch family {
	case 4:
		b := r.take(4)
		if b == nil {
			return netip.AddrPort{}
		}
		addr = netip.AddrFrom4([4]byte(b))
	case 6:
		b := r.take(16)
		if b == nil {
			return netip.AddrPort{}
		}
		addr = netip.AddrFrom16([16]byte(b))
	default:
		if r.err == nil {
			r.err = trace.BadParameter("unknown address family %v", family)
		}
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, r.ReadUint16())
}
