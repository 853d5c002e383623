package snapshot

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends the canonical byte form of v to dst.
type Encoder[T any] func(dst []byte, v T) []byte

type value[T any] struct {
	v      T
	encode Encoder[T]
}

func (s value[T]) AppendState(dst []byte) []byte {
	return s.encode(dst, s.v)
}

type varCategory[T any] struct {
	name   string
	ptr    *T
	encode Encoder[T]
}

// Var registers a single value held at ptr. T is copied by assignment, so it
// must not contain pointers, slices or maps.
func Var[T any](name string, ptr *T, encode Encoder[T]) Category {
	return &varCategory[T]{name: name, ptr: ptr, encode: encode}
}

func (c *varCategory[T]) Name() string { return c.name }

func (c *varCategory[T]) Save() State {
	return value[T]{v: *c.ptr, encode: c.encode}
}

func (c *varCategory[T]) Restore(s State) error {
	saved, ok := s.(value[T])
	if !ok {
		return fmt.Errorf("%s: unexpected state %T: %w", c.name, s, ErrForeignSnapshot)
	}
	*c.ptr = saved.v
	return nil
}

type sliceValue[T any] struct {
	items  []T
	encode Encoder[T]
}

func (s sliceValue[T]) AppendState(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.items)))
	for _, item := range s.items {
		dst = s.encode(dst, item)
	}
	return dst
}

type sliceCategory[T any] struct {
	name   string
	ptr    *[]T
	encode Encoder[T]
}

// Slice registers a per-entity slice held at ptr. Elements are copied by
// assignment into a fresh backing array on save and restore.
func Slice[T any](name string, ptr *[]T, encode Encoder[T]) Category {
	return &sliceCategory[T]{name: name, ptr: ptr, encode: encode}
}

func (c *sliceCategory[T]) Name() string { return c.name }

func (c *sliceCategory[T]) Save() State {
	items := make([]T, len(*c.ptr))
	copy(items, *c.ptr)
	return sliceValue[T]{items: items, encode: c.encode}
}

func (c *sliceCategory[T]) Restore(s State) error {
	saved, ok := s.(sliceValue[T])
	if !ok {
		return fmt.Errorf("%s: unexpected state %T: %w", c.name, s, ErrForeignSnapshot)
	}
	live := *c.ptr
	if cap(live) < len(saved.items) {
		live = make([]T, len(saved.items))
	}
	live = live[:len(saved.items)]
	copy(live, saved.items)
	*c.ptr = live
	return nil
}

// AppendInt32 encodes v little-endian.
func AppendInt32(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

// AppendInt64 encodes v little-endian.
func AppendInt64(dst []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(v))
}

// AppendUint32 encodes v little-endian.
func AppendUint32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// AppendBool encodes v as one byte.
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}
