// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hce

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// ByteOrder selects how multi-byte integers are laid out by PutInt and GetInt.
type ByteOrder int

const (
	// BigEndian stores the most significant byte first.
	BigEndian ByteOrder = iota
	// LittleEndian stores the least significant byte first.
	LittleEndian
)

// ByteBuffer is a fixed capacity byte cursor with a write position and a read
// limit. Producers fill it with Put and call Flip before handing it to a
// consumer, which then reads the bytes between position and limit.
//
// The invariant 0 <= position <= limit <= capacity always holds.
type ByteBuffer struct {
	data []byte
	pos  int
	lim  int
}

// NewByteBuffer returns an empty buffer in write mode.
func NewByteBuffer(capacity int) *ByteBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ByteBuffer{data: make([]byte, capacity), lim: capacity}
}

// WrapBytes returns a buffer in read mode over a copy of data.
func WrapBytes(data []byte) *ByteBuffer {
	b := &ByteBuffer{data: make([]byte, len(data)), lim: len(data)}
	copy(b.data, data)
	return b
}

// Capacity returns the size of the backing array.
func (b *ByteBuffer) Capacity() int { return len(b.data) }

// Position returns the current cursor.
func (b *ByteBuffer) Position() int { return b.pos }

// Limit returns the read or write boundary.
func (b *ByteBuffer) Limit() int { return b.lim }

// Remaining returns the bytes left between position and limit.
func (b *ByteBuffer) Remaining() int { return b.lim - b.pos }

// HasRemaining reports whether any byte is left before the limit.
func (b *ByteBuffer) HasRemaining() bool { return b.pos < b.lim }

// Flip switches from write mode to read mode.
func (b *ByteBuffer) Flip() *ByteBuffer {
	b.lim = b.pos
	b.pos = 0
	return b
}

// Clear resets the buffer to write mode over the whole capacity.
func (b *ByteBuffer) Clear() *ByteBuffer {
	b.pos = 0
	b.lim = len(b.data)
	return b
}

// Rewind moves the cursor back to zero, keeping the limit.
func (b *ByteBuffer) Rewind() *ByteBuffer {
	b.pos = 0
	return b
}

// Skip advances the cursor by n bytes.
func (b *ByteBuffer) Skip(n int) error {
	if n < 0 || n > b.Remaining() {
		return fmt.Errorf("skip %d bytes: %w", n, ErrBufferUnderflow)
	}
	b.pos += n
	return nil
}

// Put writes bytes at the cursor.
func (b *ByteBuffer) Put(data ...byte) error {
	if len(data) > b.Remaining() {
		return fmt.Errorf("put %d bytes with %d remaining: %w", len(data), b.Remaining(), ErrBufferOverflow)
	}
	b.pos += copy(b.data[b.pos:], data)
	return nil
}

// PutBuffer drains the remaining bytes of other into b.
func (b *ByteBuffer) PutBuffer(other *ByteBuffer) error {
	if err := b.Put(other.Bytes()...); err != nil {
		return err
	}
	other.pos = other.lim
	return nil
}

// PutInt writes the low width bytes of value in the given order.
func (b *ByteBuffer) PutInt(value uint64, width int, order ByteOrder) error {
	if width < 1 || width > 8 {
		return fmt.Errorf("integer width %d: %w", width, ErrInvalidParameter)
	}
	if width > b.Remaining() {
		return fmt.Errorf("put int%d: %w", width*8, ErrBufferOverflow)
	}
	for i := range width {
		shift := uint(i) * 8
		if order == BigEndian {
			shift = uint(width-1-i) * 8
		}
		b.data[b.pos+i] = byte(value >> shift)
	}
	b.pos += width
	return nil
}

// PutLong writes an 8 byte integer.
func (b *ByteBuffer) PutLong(value uint64, order ByteOrder) error {
	return b.PutInt(value, 8, order)
}

// Get reads one byte.
func (b *ByteBuffer) Get() (byte, error) {
	if b.pos >= b.lim {
		return 0, fmt.Errorf("get byte: %w", ErrBufferUnderflow)
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// GetBytes reads n bytes into a new slice.
func (b *ByteBuffer) GetBytes(n int) ([]byte, error) {
	if n < 0 || n > b.Remaining() {
		return nil, fmt.Errorf("get %d bytes with %d remaining: %w", n, b.Remaining(), ErrBufferUnderflow)
	}
	out := make([]byte, n)
	copy(out, b.data[b.pos:])
	b.pos += n
	return out, nil
}

// GetBuffer reads n bytes into a new buffer in read mode.
func (b *ByteBuffer) GetBuffer(n int) (*ByteBuffer, error) {
	data, err := b.GetBytes(n)
	if err != nil {
		return nil, err
	}
	return &ByteBuffer{data: data, lim: n}, nil
}

// GetInt reads a width byte unsigned integer in the given order.
func (b *ByteBuffer) GetInt(width int, order ByteOrder) (uint64, error) {
	if width < 1 || width > 8 {
		return 0, fmt.Errorf("integer width %d: %w", width, ErrInvalidParameter)
	}
	if width > b.Remaining() {
		return 0, fmt.Errorf("get int%d: %w", width*8, ErrBufferUnderflow)
	}
	var v uint64
	for i := range width {
		shift := uint(i) * 8
		if order == BigEndian {
			shift = uint(width-1-i) * 8
		}
		v |= uint64(b.data[b.pos+i]) << shift
	}
	b.pos += width
	return v, nil
}

// GetLong reads an 8 byte integer.
func (b *ByteBuffer) GetLong(order ByteOrder) (uint64, error) {
	return b.GetInt(8, order)
}

// At returns the byte at absolute index i without moving the cursor.
func (b *ByteBuffer) At(i int) (byte, error) {
	if i < 0 || i >= b.lim {
		return 0, fmt.Errorf("index %d: %w", i, ErrBufferUnderflow)
	}
	return b.data[i], nil
}

// Bytes returns the remaining bytes. The slice aliases the buffer.
func (b *ByteBuffer) Bytes() []byte {
	return b.data[b.pos:b.lim]
}

// Slice returns a read mode buffer over a copy of length bytes starting at
// offset, relative to the current position.
func (b *ByteBuffer) Slice(offset, length int) (*ByteBuffer, error) {
	if offset < 0 || length < 0 || offset+length > b.Remaining() {
		return nil, fmt.Errorf("slice [%d:%d]: %w", offset, offset+length, ErrBufferUnderflow)
	}
	return WrapBytes(b.data[b.pos+offset : b.pos+offset+length]), nil
}

// Copy returns an independent read mode buffer holding the remaining bytes.
func (b *ByteBuffer) Copy() *ByteBuffer {
	return WrapBytes(b.Bytes())
}

// Xor returns the byte-wise XOR of the remaining bytes of b and other, which
// must have the same length.
func (b *ByteBuffer) Xor(other *ByteBuffer) (*ByteBuffer, error) {
	if b.Remaining() != other.Remaining() {
		return nil, fmt.Errorf("xor %d with %d bytes: %w", b.Remaining(), other.Remaining(), ErrInvalidParameter)
	}
	out := WrapBytes(b.Bytes())
	for i, v := range other.Bytes() {
		out.data[i] ^= v
	}
	return out, nil
}

// Compare orders buffers lexicographically by their remaining bytes, shorter
// first on a common prefix.
func Compare(a, b *ByteBuffer) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// Equal reports whether both buffers hold the same remaining bytes.
func (b *ByteBuffer) Equal(other *ByteBuffer) bool {
	return bytes.Equal(b.Bytes(), other.Bytes())
}

// String returns the remaining bytes in hex.
func (b *ByteBuffer) String() string {
	return hex.EncodeToString(b.Bytes())
}
