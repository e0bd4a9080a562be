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

package batch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/container/vector"
)

// Batch is a horizontal slice of a relation: one vector per column, all of
// the same row count.
type Batch struct {
	Attrs []string
	Vecs  []*vector.Vector

	rowCount int
}

// EmptyBatch is a zero-row batch used as a keep-alive message between
// operators. It carries no memory and must not be cleaned.
var EmptyBatch = &Batch{}

func NewWithSize(n int) *Batch {
	return &Batch{
		Vecs: make([]*vector.Vector, n),
	}
}

// NewWithTypes builds a batch with one empty vector per type.
func NewWithTypes(typs []types.Type) *Batch {
	bat := NewWithSize(len(typs))
	for i, typ := range typs {
		bat.Vecs[i] = vector.NewVec(typ)
	}
	return bat
}

func (bat *Batch) RowCount() int {
	return bat.rowCount
}

func (bat *Batch) SetRowCount(n int) {
	bat.rowCount = n
}

func (bat *Batch) VectorCount() int {
	return len(bat.Vecs)
}

// Size returns the bytes held by the batch's vectors.
func (bat *Batch) Size() int {
	var sz int
	for _, vec := range bat.Vecs {
		if vec != nil {
			sz += vec.Size()
		}
	}
	return sz
}

func (bat *Batch) IsEmpty() bool {
	return bat == nil || bat.rowCount == 0
}

func (bat *Batch) Clean(mp *mpool.MPool) {
	if bat == nil || bat == EmptyBatch {
		return
	}
	for _, vec := range bat.Vecs {
		if vec != nil {
			vec.Free(mp)
		}
	}
	bat.Vecs = nil
	bat.rowCount = 0
}

func (bat *Batch) String() string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "batch{rows=%d, cols=[", bat.rowCount)
	for i, vec := range bat.Vecs {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(vec.GetType().String())
	}
	buf.WriteString("]}")
	return buf.String()
}

// MarshalBinary encodes the batch for cross-task exchange.
func (bat *Batch) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, bat.Size()+16)
	out = binary.LittleEndian.AppendUint32(out, uint32(bat.rowCount))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(bat.Vecs)))
	for _, vec := range bat.Vecs {
		data, err := vec.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
		out = append(out, data...)
	}
	return out, nil
}

// UnmarshalBinaryWithCopy decodes data produced by MarshalBinary. Vector
// storage is copied into mp-backed buffers so the batch owns its memory.
func (bat *Batch) UnmarshalBinaryWithCopy(data []byte, mp *mpool.MPool) error {
	if len(data) < 8 {
		return terr.NewInvalidInput(context.TODO(), "short batch payload: %d bytes", len(data))
	}
	bat.rowCount = int(binary.LittleEndian.Uint32(data))
	n := int(binary.LittleEndian.Uint32(data[4:]))
	pos := 8
	bat.Vecs = make([]*vector.Vector, n)
	for i := 0; i < n; i++ {
		if len(data[pos:]) < 4 {
			return terr.NewInvalidInput(context.TODO(), "truncated batch payload")
		}
		vl := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if len(data[pos:]) < vl {
			return terr.NewInvalidInput(context.TODO(), "truncated batch payload")
		}
		vec := new(vector.Vector)
		if _, err := vec.UnmarshalBinaryWithCopy(data[pos:pos+vl], mp); err != nil {
			return err
		}
		bat.Vecs[i] = vec
		pos += vl
	}
	return nil
}
