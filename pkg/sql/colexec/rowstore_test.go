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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/container/batch"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/container/vector"
)

func testTypes() []types.Type {
	return []types.Type{
		types.T_int64.ToType(),
		types.T_varchar.ToType(),
		types.T_float64.ToType(),
	}
}

// makeBatch builds one test batch; a nil name marks the varchar null and a
// negative id marks the int null.
func makeBatch(t *testing.T, mp *mpool.MPool, ids []int64, names [][]byte, scores []float64) *batch.Batch {
	bat := batch.NewWithTypes(testTypes())
	for i := range ids {
		require.NoError(t, vector.AppendFixed(bat.Vecs[0], ids[i], ids[i] < 0, mp))
		require.NoError(t, vector.AppendBytes(bat.Vecs[1], names[i], names[i] == nil, mp))
		require.NoError(t, vector.AppendFixed(bat.Vecs[2], scores[i], false, mp))
	}
	bat.SetRowCount(len(ids))
	return bat
}

func TestPutAppendRoundTrip(t *testing.T) {
	mp := mpool.MustNewZero()
	rs, err := NewRowStore(testTypes(), mp)
	require.NoError(t, err)

	in := makeBatch(t, mp,
		[]int64{10, -1, 30},
		[][]byte{[]byte("zig"), []byte("zag"), nil},
		[]float64{1.5, -2.25, 0})
	slots, err := rs.PutBatch(in)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	require.Equal(t, 3, rs.InUse())

	out := batch.NewWithTypes(testTypes())
	for _, slot := range slots {
		require.NoError(t, rs.AppendRowTo(out, slot, mp))
	}
	out.SetRowCount(3)

	ids := vector.MustFixedCol[int64](out.Vecs[0])
	require.Equal(t, int64(10), ids[0])
	require.True(t, out.Vecs[0].IsNull(1))
	require.Equal(t, int64(30), ids[2])
	require.Equal(t, "zig", string(out.Vecs[1].GetBytesAt(0)))
	require.Equal(t, "zag", string(out.Vecs[1].GetBytesAt(1)))
	require.True(t, out.Vecs[1].IsNull(2))
	scores := vector.MustFixedCol[float64](out.Vecs[2])
	require.Equal(t, -2.25, scores[1])

	for _, slot := range slots {
		rs.Free(slot)
	}
	require.Equal(t, 0, rs.InUse())
	require.Equal(t, int64(0), rs.Bytes())

	in.Clean(mp)
	out.Clean(mp)
	rs.Close()
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestCompare(t *testing.T) {
	mp := mpool.MustNewZero()
	rs, err := NewRowStore(testTypes(), mp)
	require.NoError(t, err)
	defer rs.Close()

	in := makeBatch(t, mp,
		[]int64{5, 9, -1, 5},
		[][]byte{[]byte("aa"), []byte("ab"), []byte("aa"), nil},
		[]float64{1, 2, 3, 4})
	defer in.Clean(mp)
	slots, err := rs.PutBatch(in)
	require.NoError(t, err)

	// int64 column, ascending
	require.Negative(t, rs.Compare(slots[0], slots[1], 0, false, false))
	require.Positive(t, rs.Compare(slots[1], slots[0], 0, false, false))
	require.Zero(t, rs.Compare(slots[0], slots[3], 0, false, false))
	// descending flips
	require.Positive(t, rs.Compare(slots[0], slots[1], 0, true, true))

	// nulls first vs last on the int column (slot 2 is null)
	require.Negative(t, rs.Compare(slots[2], slots[0], 0, false, false))
	require.Positive(t, rs.Compare(slots[2], slots[0], 0, false, true))
	require.Zero(t, rs.Compare(slots[2], slots[2], 0, false, false))

	// varchar column
	require.Negative(t, rs.Compare(slots[0], slots[1], 1, false, false))
	require.Zero(t, rs.Compare(slots[0], slots[2], 1, false, false))
	// null varchar (slot 3) last
	require.Positive(t, rs.Compare(slots[3], slots[0], 1, false, true))

	// float column
	require.Negative(t, rs.Compare(slots[0], slots[1], 2, false, false))
}

func TestSlotRecycling(t *testing.T) {
	mp := mpool.MustNewZero()
	rs, err := NewRowStore([]types.Type{types.T_int64.ToType()}, mp)
	require.NoError(t, err)
	defer rs.Close()

	bat := batch.NewWithTypes([]types.Type{types.T_int64.ToType()})
	require.NoError(t, vector.AppendFixed(bat.Vecs[0], int64(1), false, mp))
	require.NoError(t, vector.AppendFixed(bat.Vecs[0], int64(2), false, mp))
	bat.SetRowCount(2)
	defer bat.Clean(mp)

	slots, err := rs.PutBatch(bat)
	require.NoError(t, err)
	rs.Free(slots[0])

	again, err := rs.PutBatch(bat)
	require.NoError(t, err)
	// the freed slot is reused before new slots are grown
	require.Contains(t, again, slots[0])
	require.Equal(t, 3, rs.InUse())
}

func TestLayoutMismatch(t *testing.T) {
	mp := mpool.MustNewZero()
	rs, err := NewRowStore(testTypes(), mp)
	require.NoError(t, err)
	defer rs.Close()

	bad := batch.NewWithTypes([]types.Type{types.T_int64.ToType()})
	require.NoError(t, vector.AppendFixed(bad.Vecs[0], int64(1), false, mp))
	bad.SetRowCount(1)
	defer bad.Clean(mp)

	_, err = rs.PutBatch(bad)
	require.Error(t, err)
	require.Equal(t, terr.ErrInternal, terr.GetCode(err))
}

func TestUnsupportedColumnType(t *testing.T) {
	mp := mpool.MustNewZero()
	_, err := NewRowStore([]types.Type{types.T_any.ToType()}, mp)
	require.Error(t, err)
	require.Equal(t, terr.ErrInvalidInput, terr.GetCode(err))

	_, err = NewRowStore(nil, mp)
	require.Error(t, err)
}
