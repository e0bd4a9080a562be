// Copyright 2023 - 2025 The Tessera Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vector implements the typed column vector. Fixed-width elements
// live in data; varlen values live in area and are referenced from data by
// an (offset, length) pair.
package vector

import (
	"context"
	"encoding/binary"
	"unsafe"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/container/nulls"
	"github.com/tessera-db/tessera/pkg/container/types"
)

type Vector struct {
	typ types.Type
	nsp *nulls.Nulls

	// data holds length * typ.Size bytes of fixed-width element storage.
	data []byte
	// area holds varlen payloads.
	area []byte

	length int
}

func NewVec(typ types.Type) *Vector {
	return &Vector{
		typ: typ,
		nsp: &nulls.Nulls{},
	}
}

func (v *Vector) GetType() *types.Type {
	return &v.typ
}

func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}

func (v *Vector) Length() int {
	return v.length
}

func (v *Vector) IsNull(row uint32) bool {
	return nulls.Contains(v.nsp, row)
}

// Size returns the bytes held by v.
func (v *Vector) Size() int {
	return len(v.data) + len(v.area)
}

func (v *Vector) Free(mp *mpool.MPool) {
	mp.Free(v.data)
	mp.Free(v.area)
	v.data = nil
	v.area = nil
	v.nsp = &nulls.Nulls{}
	v.length = 0
}

// MustFixedCol exposes the fixed-width element storage as a typed slice.
// The slice aliases the vector and is invalidated by the next append.
func MustFixedCol[T any](v *Vector) []T {
	if v.length == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&v.data[0])), v.length)
}

// GetBytesAt returns the varlen payload of row i, aliasing the area.
func (v *Vector) GetBytesAt(i int) []byte {
	off := binary.LittleEndian.Uint32(v.data[i*8:])
	sz := binary.LittleEndian.Uint32(v.data[i*8+4:])
	return v.area[off : off+sz]
}

func (v *Vector) grow(n int, mp *mpool.MPool) error {
	data, err := mp.Grow(v.data, len(v.data)+n)
	if err != nil {
		return err
	}
	v.data = data
	return nil
}

// AppendFixed appends one fixed-width value. A null appends the zero value
// and records the row in the null bitmap.
func AppendFixed[T any](v *Vector, val T, isNull bool, mp *mpool.MPool) error {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if int32(sz) != v.typ.Size || v.typ.Oid.IsVarlen() {
		return terr.NewInternalError(context.TODO(), "append %d-byte value to %s vector", sz, v.typ)
	}
	if isNull {
		val = zero
	}
	if err := v.grow(sz, mp); err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(&v.data[len(v.data)-sz])) = val
	if isNull {
		v.nsp.Add(uint32(v.length))
	}
	v.length++
	return nil
}

// AppendBytes appends one varlen value.
func AppendBytes(v *Vector, val []byte, isNull bool, mp *mpool.MPool) error {
	if !v.typ.Oid.IsVarlen() {
		return terr.NewInternalError(context.TODO(), "append bytes to %s vector", v.typ)
	}
	if isNull {
		val = nil
	}
	off := len(v.area)
	if len(val) > 0 {
		area, err := mp.Grow(v.area, off+len(val))
		if err != nil {
			return err
		}
		copy(area[off:], val)
		v.area = area
	}
	if err := v.grow(8, mp); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(v.data[len(v.data)-8:], uint32(off))
	binary.LittleEndian.PutUint32(v.data[len(v.data)-4:], uint32(len(val)))
	if isNull {
		v.nsp.Add(uint32(v.length))
	}
	v.length++
	return nil
}

// MarshalBinary encodes v for the exchange codec.
func (v *Vector) MarshalBinary() ([]byte, error) {
	nb, err := v.nsp.Show()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+4+4+len(nb)+4+len(v.data)+4+len(v.area))
	out = append(out, byte(v.typ.Oid))
	out = binary.LittleEndian.AppendUint32(out, uint32(v.length))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(nb)))
	out = append(out, nb...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(v.data)))
	out = append(out, v.data...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(v.area)))
	out = append(out, v.area...)
	return out, nil
}

// UnmarshalBinaryWithCopy decodes data produced by MarshalBinary, copying
// element storage into mp-backed buffers. It returns the bytes consumed.
// Exchange payloads cross task boundaries, so every length prefix is
// validated against the remaining bytes; corrupt input is ErrInvalidInput,
// never a panic.
func (v *Vector) UnmarshalBinaryWithCopy(data []byte, mp *mpool.MPool) (int, error) {
	if len(data) < 9 {
		return 0, terr.NewInvalidInput(context.TODO(), "short vector payload: %d bytes", len(data))
	}
	pos := 0
	v.typ = types.New(types.T(data[pos]))
	pos++
	v.length = int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4

	nl := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if nl < 0 || len(data[pos:]) < nl {
		return 0, terr.NewInvalidInput(context.TODO(), "truncated vector payload: %d null bytes claimed, %d left", nl, len(data[pos:]))
	}
	v.nsp = &nulls.Nulls{}
	if nl > 0 {
		if err := v.nsp.Read(data[pos : pos+nl]); err != nil {
			return 0, err
		}
		pos += nl
	}

	if len(data[pos:]) < 4 {
		return 0, terr.NewInvalidInput(context.TODO(), "truncated vector payload")
	}
	dl := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if dl < 0 || len(data[pos:]) < dl {
		return 0, terr.NewInvalidInput(context.TODO(), "truncated vector payload: %d data bytes claimed, %d left", dl, len(data[pos:]))
	}
	if dl > 0 {
		buf, err := mp.Alloc(dl)
		if err != nil {
			return 0, err
		}
		copy(buf, data[pos:pos+dl])
		v.data = buf
		pos += dl
	}

	if len(data[pos:]) < 4 {
		mp.Free(v.data)
		v.data = nil
		return 0, terr.NewInvalidInput(context.TODO(), "truncated vector payload")
	}
	al := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if al < 0 || len(data[pos:]) < al {
		mp.Free(v.data)
		v.data = nil
		return 0, terr.NewInvalidInput(context.TODO(), "truncated vector payload: %d area bytes claimed, %d left", al, len(data[pos:]))
	}
	if al > 0 {
		buf, err := mp.Alloc(al)
		if err != nil {
			mp.Free(v.data)
			v.data = nil
			return 0, err
		}
		copy(buf, data[pos:pos+al])
		v.area = buf
		pos += al
	}
	return pos, nil
}
