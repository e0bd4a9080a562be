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

package merge

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/compress"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/container/vector"
	"github.com/tessera-db/tessera/pkg/vm"
	"github.com/tessera-db/tessera/pkg/vm/process"
)

// memSplitReader serves pre-encoded payloads from memory.
type memSplitReader struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	closed   bool
}

func (r *memSplitReader) ReadBatch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, io.EOF
	}
	if len(r.payloads) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	p := r.payloads[0]
	r.payloads = r.payloads[1:]
	return p, nil
}

func (r *memSplitReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func encodeRun(t *testing.T, mp *mpool.MPool, vals ...int64) []byte {
	bat := int64Bat(t, mp, vals...)
	defer bat.Clean(mp)
	payload, err := EncodeExchangePayload(bat)
	require.NoError(t, err)
	return payload
}

func newTestExchange() *MergeExchange {
	return NewMergeExchange(2, "test-plan-node", mergeTestTypes, ascSpecs(), config.DefaultMergeParameters())
}

func TestMergeExchangeSorted(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))
	require.NoError(t, me.AddSplit(&Split{ID: "s1", Reader: &memSplitReader{
		payloads: [][]byte{
			encodeRun(t, mp, 1, 5),
			encodeRun(t, mp, 9, 13),
		},
	}}))
	require.NoError(t, me.AddSplit(&Split{ID: "s2", Reader: &memSplitReader{
		payloads: [][]byte{encodeRun(t, mp, 2, 3, 4, 10)},
	}}))
	me.NoMoreSplits()
	require.Equal(t, 2, me.NumSplits())

	got := drive(t, proc, me)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 9, 10, 13}, got)

	me.Free(proc, false, nil)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestMergeExchangeWaitsForSplits(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))

	bat, err := me.GetOutput(proc)
	require.NoError(t, err)
	require.Nil(t, bat)
	reason, future := me.IsBlocked()
	require.Equal(t, vm.WaitingForSplits, reason)
	require.NotNil(t, future)

	select {
	case <-future:
		t.Fatal("split future resolved before any split arrived")
	default:
	}
	require.NoError(t, me.AddSplit(&Split{ID: "s1", Reader: &memSplitReader{
		payloads: [][]byte{encodeRun(t, mp, 7)},
	}}))
	select {
	case <-future:
	default:
		t.Fatal("AddSplit did not resolve the split future")
	}
	me.NoMoreSplits()

	got := drive(t, proc, me)
	require.Equal(t, []int64{7}, got)
	me.Free(proc, false, nil)
}

func TestMergeExchangeLateSplit(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	params := config.DefaultMergeParameters()
	params.OutputBatchMaxRows = 2
	me := NewMergeExchange(2, "t", mergeTestTypes, ascSpecs(), params)
	require.NoError(t, me.Prepare(proc))
	require.NoError(t, me.AddSplit(&Split{ID: "s1", Reader: &memSplitReader{
		payloads: [][]byte{encodeRun(t, mp, 1, 2, 10, 11)},
	}}))

	// drain the first capped batch while the split set is still open
	var got []int64
	for len(got) < 2 {
		bat, err := me.GetOutput(proc)
		require.NoError(t, err)
		if bat != nil {
			got = append(got, vector.MustFixedCol[int64](bat.Vecs[0])...)
			bat.Clean(mp)
		}
		if reason, future := me.IsBlocked(); reason != vm.NotBlocked {
			<-future
		}
	}
	require.Equal(t, []int64{1, 2}, got)

	// a split discovered mid-merge joins the remaining output in order
	require.NoError(t, me.AddSplit(&Split{ID: "s2", Reader: &memSplitReader{
		payloads: [][]byte{encodeRun(t, mp, 3, 12)},
	}}))
	me.NoMoreSplits()

	rest := drive(t, proc, me)
	require.Equal(t, []int64{3, 10, 11, 12}, rest)
	me.Free(proc, false, nil)
}

func TestMergeExchangeSplitAfterNoMoreSplits(t *testing.T) {
	me := newTestExchange()
	me.NoMoreSplits()
	err := me.AddSplit(&Split{ID: "late", Reader: &memSplitReader{}})
	require.Error(t, err)
	require.Equal(t, terr.ErrInvalidState, terr.GetCode(err))
	me.NoMoreSplits() // idempotent
}

func TestMergeExchangeReaderFailure(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))
	require.NoError(t, me.AddSplit(&Split{ID: "bad", Reader: &memSplitReader{
		err: io.ErrUnexpectedEOF,
	}}))
	me.NoMoreSplits()

	var err error
	for {
		b, gerr := me.GetOutput(proc)
		if gerr != nil {
			err = gerr
			break
		}
		require.Nil(t, b)
		reason, future := me.IsBlocked()
		require.NotEqual(t, vm.NotBlocked, reason)
		<-future
	}
	require.Equal(t, terr.ErrInternal, terr.GetCode(err))
	me.Free(proc, true, err)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestMergeExchangeCorruptPayload(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))
	require.NoError(t, me.AddSplit(&Split{ID: "garbage", Reader: &memSplitReader{
		payloads: [][]byte{{0xde, 0xad}},
	}}))
	me.NoMoreSplits()

	var err error
	for {
		b, gerr := me.GetOutput(proc)
		if gerr != nil {
			err = gerr
			break
		}
		require.Nil(t, b)
		_, future := me.IsBlocked()
		require.NotNil(t, future)
		<-future
	}
	require.Error(t, err)
	me.Free(proc, true, err)
}

func TestMergeExchangeNoSplitsFinishes(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))
	me.NoMoreSplits()

	bat, err := me.GetOutput(proc)
	require.NoError(t, err)
	require.Nil(t, bat)
	reason, future := me.IsBlocked()
	require.Equal(t, vm.NotBlocked, reason)
	require.Nil(t, future)

	// finished stays finished
	bat, err = me.GetOutput(proc)
	require.NoError(t, err)
	require.Nil(t, bat)
	me.Free(proc, false, nil)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestMergeExchangeFinishClosesPendingSplits(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))
	// registered but never bound: GetOutput is never called
	reader := &memSplitReader{payloads: [][]byte{encodeRun(t, mp, 1)}}
	require.NoError(t, me.AddSplit(&Split{ID: "unbound", Reader: reader}))

	me.Finish()
	require.True(t, reader.closed)
	me.Free(proc, false, nil)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestMergeExchangeFinishIdempotent(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mp := mpool.MustNewZero()
	proc := process.New(context.Background(), mp)

	me := newTestExchange()
	require.NoError(t, me.Prepare(proc))
	reader := &memSplitReader{payloads: [][]byte{encodeRun(t, mp, 1)}}
	require.NoError(t, me.AddSplit(&Split{ID: "s1", Reader: reader}))
	me.NoMoreSplits()
	_ = drive(t, proc, me)

	me.Finish()
	me.Finish()
	require.True(t, reader.closed)
	me.Free(proc, false, nil)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestExchangePayloadRoundTrip(t *testing.T) {
	mp := mpool.MustNewZero()
	in := int64Bat(t, mp, 4, 8, 15)
	payload, err := EncodeExchangePayload(in)
	require.NoError(t, err)

	out, err := DecodeExchangePayload(payload, mp)
	require.NoError(t, err)
	require.Equal(t, 3, out.RowCount())
	require.Equal(t, []int64{4, 8, 15}, vector.MustFixedCol[int64](out.Vecs[0]))

	in.Clean(mp)
	out.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestDecodeExchangePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodeExchangePayload([]byte{1, 2, 3}, mpool.MustNewZero())
	require.Error(t, err)
}

// A frame that is structurally valid at the batch level but carries a
// vector whose payload is shorter than its length prefixes claim must come
// back as an error, not a panic, since it is decoded inside a fetcher.
func TestDecodeExchangePayloadTruncatedVector(t *testing.T) {
	mp := mpool.MustNewZero()
	frame := make([]byte, 0, 24)
	frame = binary.LittleEndian.AppendUint32(frame, 0)  // row count
	frame = binary.LittleEndian.AppendUint32(frame, 1)  // one vector
	frame = binary.LittleEndian.AppendUint32(frame, 13) // vector length
	frame = append(frame, make([]byte, 13)...)          // too short for its prefixes

	payload, err := compress.Compress(frame, compress.Lz4)
	require.NoError(t, err)
	_, err = DecodeExchangePayload(payload, mp)
	require.Error(t, err)
	require.Equal(t, terr.ErrInvalidInput, terr.GetCode(err))
	require.Equal(t, int64(0), mp.CurrNB())
}
