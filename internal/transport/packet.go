/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package transport

import (
	"encoding/binary"
	"fmt"
)

// Packet wire format for the microphone stream (UDP payload, big-endian):
//
//	offset 0  magic      uint32  0x564D5301 ("VMS\x01")
//	offset 4  timestamp  int32   unix millis mod 2^31
//	offset 8  sequence   int32   session counter mod 2^31
//	offset 12 payload    PCM16 mono, little-endian samples

const (
	// PacketMagic tags protocol version 1 of the stream.
	PacketMagic uint32 = 0x564D5301

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 12

	// MaxPayloadSize keeps a packet inside a single 1500 byte Ethernet MTU.
	MaxPayloadSize = 1500 - 20 - 8 - HeaderSize

	modulus = 1 << 31
)

// Header is the decoded fixed-size packet header.
type Header struct {
	Magic     uint32
	Timestamp int32
	Sequence  int32
}

// Encode builds one packet for the given frame. It never fails and has no
// side effects; the payload is copied verbatim, whatever its length.
func Encode(sequence uint32, timestampMillis int64, payload []byte) []byte {
	return AppendEncode(make([]byte, 0, HeaderSize+len(payload)), sequence, timestampMillis, payload)
}

// AppendEncode appends the encoded packet to dst and returns the extended
// slice. The capture loop uses it to reuse a single packet buffer.
func AppendEncode(dst []byte, sequence uint32, timestampMillis int64, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, PacketMagic)
	dst = binary.BigEndian.AppendUint32(dst, uint32(TruncateTimestamp(timestampMillis))) //nolint:gosec // value is in [0, 2^31)
	dst = binary.BigEndian.AppendUint32(dst, uint32(TruncateSequence(sequence)))         //nolint:gosec // value is in [0, 2^31)
	return append(dst, payload...)
}

// TruncateTimestamp reduces a millisecond timestamp into the signed 32-bit
// header range. Negative inputs wrap like any other value.
func TruncateTimestamp(millis int64) int32 {
	m := millis % modulus
	if m < 0 {
		m += modulus
	}
	return int32(m)
}

// TruncateSequence reduces a sequence counter into the signed 32-bit header range.
func TruncateSequence(seq uint32) int32 {
	return int32(seq % modulus) //nolint:gosec // value is in [0, 2^31)
}

// DecodePacket splits a datagram into its header and PCM payload. The payload
// aliases data.
func DecodePacket(data []byte) (*Header, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, fmt.Errorf("packet too small: %d bytes (min %d)", len(data), HeaderSize)
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(data[0:4]),
		Timestamp: int32(binary.BigEndian.Uint32(data[4:8])),  //nolint:gosec // header field is signed on the wire
		Sequence:  int32(binary.BigEndian.Uint32(data[8:12])), //nolint:gosec // header field is signed on the wire
	}
	if h.Magic != PacketMagic {
		return nil, nil, fmt.Errorf("invalid packet magic: 0x%08X (expected 0x%08X)", h.Magic, PacketMagic)
	}

	return h, data[HeaderSize:], nil
}

// SequenceDelta returns the forward distance from prev to cur in the 2^31
// sequence space. A value of 1 means cur directly follows prev.
func SequenceDelta(prev, cur int32) int32 {
	d := (int64(cur) - int64(prev)) % modulus
	if d < 0 {
		d += modulus
	}
	return int32(d)
}
