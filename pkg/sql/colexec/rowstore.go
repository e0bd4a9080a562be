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

package colexec

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/container/batch"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/container/vector"
)

// RowStore materializes rows from heterogeneous batches as comparable,
// addressable byte records. Handles are slot indices, not pointers, so the
// store may grow freely while rows are queued elsewhere.
//
// Row layout: null bitmap ((ncols+7)/8 bytes), then one 8-byte fixed slot
// per column, then the varlen tail. Varlen slots hold (offset, length)
// relative to the row start. All rows of one store share the layout; a
// batch that disagrees with it is a fatal internal-consistency error.
type RowStore struct {
	typs []types.Type
	mp   *mpool.MPool

	rows      [][]byte
	freeSlots []int32
	inUse     int
	bytes     int64

	nullBytes int
}

func NewRowStore(typs []types.Type, mp *mpool.MPool) (*RowStore, error) {
	if len(typs) == 0 {
		return nil, terr.NewInvalidInput(context.TODO(), "row store with no columns")
	}
	for i, typ := range typs {
		if typ.Oid.FixedLength() == 0 {
			return nil, terr.NewInvalidInput(context.TODO(), "row store column %d has unsupported type %s", i, typ)
		}
	}
	return &RowStore{
		typs:      typs,
		mp:        mp,
		nullBytes: (len(typs) + 7) / 8,
	}, nil
}

func (rs *RowStore) fixedOff(col int) int {
	return rs.nullBytes + col*8
}

// Bytes returns the bytes currently held by materialized rows.
func (rs *RowStore) Bytes() int64 {
	return rs.bytes
}

// InUse returns the number of live slots.
func (rs *RowStore) InUse() int {
	return rs.inUse
}

func (rs *RowStore) checkLayout(bat *batch.Batch) error {
	if len(bat.Vecs) != len(rs.typs) {
		return terr.NewInternalError(context.TODO(),
			"row layout mismatch: batch has %d columns, store has %d", len(bat.Vecs), len(rs.typs))
	}
	for i, vec := range bat.Vecs {
		if vec.GetType().Oid != rs.typs[i].Oid {
			return terr.NewInternalError(context.TODO(),
				"row layout mismatch on column %d: %s vs %s", i, vec.GetType(), rs.typs[i])
		}
	}
	return nil
}

// PutBatch materializes every row of bat and returns their slots in row
// order. The batch itself is untouched; the caller still owns it.
func (rs *RowStore) PutBatch(bat *batch.Batch) ([]int32, error) {
	if err := rs.checkLayout(bat); err != nil {
		return nil, err
	}
	slots := make([]int32, 0, bat.RowCount())
	for row := 0; row < bat.RowCount(); row++ {
		slot, err := rs.putRow(bat, row)
		if err != nil {
			for _, s := range slots {
				rs.Free(s)
			}
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (rs *RowStore) putRow(bat *batch.Batch, row int) (int32, error) {
	size := rs.nullBytes + len(rs.typs)*8
	for col, typ := range rs.typs {
		if typ.Oid.IsVarlen() && !bat.Vecs[col].IsNull(uint32(row)) {
			size += len(bat.Vecs[col].GetBytesAt(row))
		}
	}
	buf, err := rs.mp.Alloc(size)
	if err != nil {
		return 0, err
	}
	varOff := rs.nullBytes + len(rs.typs)*8
	for col, typ := range rs.typs {
		vec := bat.Vecs[col]
		if vec.IsNull(uint32(row)) {
			buf[col/8] |= 1 << (col % 8)
			continue
		}
		off := rs.fixedOff(col)
		switch typ.Oid {
		case types.T_bool:
			if vector.MustFixedCol[bool](vec)[row] {
				buf[off] = 1
			}
		case types.T_int32:
			binary.LittleEndian.PutUint64(buf[off:], uint64(int64(vector.MustFixedCol[int32](vec)[row])))
		case types.T_int64:
			binary.LittleEndian.PutUint64(buf[off:], uint64(vector.MustFixedCol[int64](vec)[row]))
		case types.T_float64:
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(vector.MustFixedCol[float64](vec)[row]))
		case types.T_varchar:
			val := vec.GetBytesAt(row)
			binary.LittleEndian.PutUint32(buf[off:], uint32(varOff))
			binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(val)))
			copy(buf[varOff:], val)
			varOff += len(val)
		}
	}

	var slot int32
	if n := len(rs.freeSlots); n > 0 {
		slot = rs.freeSlots[n-1]
		rs.freeSlots = rs.freeSlots[:n-1]
		rs.rows[slot] = buf
	} else {
		slot = int32(len(rs.rows))
		rs.rows = append(rs.rows, buf)
	}
	rs.inUse++
	rs.bytes += int64(size)
	return slot, nil
}

func (rs *RowStore) isNull(row []byte, col int) bool {
	return row[col/8]&(1<<(col%8)) != 0
}

// Compare orders the rows at slots l and r on column col. desc flips the
// value order; nullsLast places nulls after every non-null value instead of
// before. Equal values (including null vs null) compare 0.
func (rs *RowStore) Compare(l, r int32, col int, desc, nullsLast bool) int {
	lrow, rrow := rs.rows[l], rs.rows[r]
	lnull, rnull := rs.isNull(lrow, col), rs.isNull(rrow, col)
	switch {
	case lnull && rnull:
		return 0
	case lnull:
		if nullsLast {
			return 1
		}
		return -1
	case rnull:
		if nullsLast {
			return -1
		}
		return 1
	}

	var res int
	off := rs.fixedOff(col)
	switch rs.typs[col].Oid {
	case types.T_bool:
		res = int(lrow[off]) - int(rrow[off])
	case types.T_int32, types.T_int64:
		lv := int64(binary.LittleEndian.Uint64(lrow[off:]))
		rv := int64(binary.LittleEndian.Uint64(rrow[off:]))
		switch {
		case lv < rv:
			res = -1
		case lv > rv:
			res = 1
		}
	case types.T_float64:
		lv := math.Float64frombits(binary.LittleEndian.Uint64(lrow[off:]))
		rv := math.Float64frombits(binary.LittleEndian.Uint64(rrow[off:]))
		switch {
		case lv < rv:
			res = -1
		case lv > rv:
			res = 1
		}
	case types.T_varchar:
		res = bytes.Compare(rs.varlenAt(lrow, off), rs.varlenAt(rrow, off))
	}
	if desc {
		return -res
	}
	return res
}

func (rs *RowStore) varlenAt(row []byte, off int) []byte {
	vo := binary.LittleEndian.Uint32(row[off:])
	vl := binary.LittleEndian.Uint32(row[off+4:])
	return row[vo : vo+vl]
}

// AppendRowTo copies the row at slot onto the end of bat's vectors.
func (rs *RowStore) AppendRowTo(bat *batch.Batch, slot int32, mp *mpool.MPool) error {
	row := rs.rows[slot]
	for col, typ := range rs.typs {
		vec := bat.Vecs[col]
		isNull := rs.isNull(row, col)
		off := rs.fixedOff(col)
		var err error
		switch typ.Oid {
		case types.T_bool:
			err = vector.AppendFixed(vec, row[off] != 0, isNull, mp)
		case types.T_int32:
			err = vector.AppendFixed(vec, int32(int64(binary.LittleEndian.Uint64(row[off:]))), isNull, mp)
		case types.T_int64:
			err = vector.AppendFixed(vec, int64(binary.LittleEndian.Uint64(row[off:])), isNull, mp)
		case types.T_float64:
			err = vector.AppendFixed(vec, math.Float64frombits(binary.LittleEndian.Uint64(row[off:])), isNull, mp)
		case types.T_varchar:
			if isNull {
				err = vector.AppendBytes(vec, nil, true, mp)
			} else {
				err = vector.AppendBytes(vec, rs.varlenAt(row, off), false, mp)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Free releases the row at slot. The slot is recycled by a later PutBatch.
func (rs *RowStore) Free(slot int32) {
	buf := rs.rows[slot]
	if buf == nil {
		return
	}
	rs.rows[slot] = nil
	rs.freeSlots = append(rs.freeSlots, slot)
	rs.inUse--
	rs.bytes -= int64(len(buf))
	rs.mp.Free(buf)
}

// Close releases every live row.
func (rs *RowStore) Close() {
	for slot, buf := range rs.rows {
		if buf != nil {
			rs.mp.Free(buf)
			rs.rows[slot] = nil
		}
	}
	rs.rows = nil
	rs.freeSlots = nil
	rs.inUse = 0
	rs.bytes = 0
}
