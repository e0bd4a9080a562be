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
	"io"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/compress"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/container/batch"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/logutil"
	"github.com/tessera-db/tessera/pkg/sql/plan"
	"github.com/tessera-db/tessera/pkg/vm"
	"github.com/tessera-db/tessera/pkg/vm/process"
)

// SplitReader streams the serialized batches of one remote split. ReadBatch
// returns one exchange payload at a time and io.EOF once the split is
// drained. A single fetcher goroutine reads the split, but Close may be
// called concurrently with an in-flight ReadBatch to unblock it;
// implementations must tolerate that.
type SplitReader interface {
	ReadBatch(ctx context.Context) ([]byte, error)
	Close() error
}

// Split names one remote sorted stream.
type Split struct {
	ID     string
	Reader SplitReader
}

// MergeExchange merges remote sorted streams whose set is discovered
// incrementally. Splits may arrive while merging is already underway; each
// newly bound split gets a fetcher goroutine that decodes payloads into a
// wait register the merge core consumes like any local source.
type MergeExchange struct {
	Merge

	mu           sync.Mutex
	pending      []*Split
	numSplits    int
	noMoreSplits bool
	splitCh      chan struct{}

	pool     *ants.Pool
	fetchers sync.WaitGroup
	fetchCtx context.Context
	cancel   context.CancelFunc
	readers  []SplitReader
	finished bool
}

var _ vm.Operator = (*MergeExchange)(nil)

func NewMergeExchange(
	operatorID int32,
	planNodeID string,
	resultTypes []types.Type,
	orderBySpecs []*plan.OrderBySpec,
	params config.MergeParameters,
) *MergeExchange {
	me := &MergeExchange{splitCh: make(chan struct{})}
	me.ResultTypes = resultTypes
	me.OrderBySpecs = orderBySpecs
	me.Params = params
	me.binder = me
	me.newOperatorInfo(operatorID, planNodeID, "MergeExchange")
	return me
}

func (me *MergeExchange) Prepare(proc *process.Process) error {
	if err := me.Merge.Prepare(proc); err != nil {
		return err
	}
	if me.pool == nil {
		pool, err := ants.NewPool(me.Params.FetchConcurrency)
		if err != nil {
			return terr.NewInternalError(proc.Ctx, "create fetcher pool: %v", err)
		}
		me.pool = pool
	}
	return nil
}

// AddSplit registers a newly discovered split. Splits arriving after
// NoMoreSplits are a scheduler protocol violation.
func (me *MergeExchange) AddSplit(split *Split) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.noMoreSplits {
		return terr.NewInvalidState(context.TODO(),
			"split %s added after no-more-splits", split.ID)
	}
	me.pending = append(me.pending, split)
	me.numSplits++
	me.notifySplitLocked()
	return nil
}

// NoMoreSplits marks the split set complete. Idempotent.
func (me *MergeExchange) NoMoreSplits() {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.noMoreSplits {
		return
	}
	me.noMoreSplits = true
	me.notifySplitLocked()
}

func (me *MergeExchange) notifySplitLocked() {
	close(me.splitCh)
	me.splitCh = make(chan struct{})
}

// NumSplits returns the number of splits seen so far.
func (me *MergeExchange) NumSplits() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.numSplits
}

// addMergeSources drains the pending splits into bound sources, starting one
// fetcher per split. It reports blocked only while no source is bound at all
// and the split set is still open; once anything is bound, merging proceeds
// on what is there and later splits join mid-merge.
func (me *MergeExchange) addMergeSources(proc *process.Process) (vm.BlockingReason, <-chan struct{}, error) {
	me.mu.Lock()
	pending := me.pending
	me.pending = nil
	noMore := me.noMoreSplits
	splitCh := me.splitCh
	me.mu.Unlock()

	for i, split := range pending {
		if err := me.bindSplit(proc, split); err != nil {
			// re-queue the splits not yet bound so Finish still reaches
			// their readers
			me.mu.Lock()
			me.pending = append(pending[i+1:], me.pending...)
			me.mu.Unlock()
			return vm.NotBlocked, nil, err
		}
	}
	if len(me.ctr.sources) == 0 && !noMore {
		return vm.WaitingForSplits, splitCh, nil
	}
	return vm.NotBlocked, nil, nil
}

func (me *MergeExchange) bindSplit(proc *process.Process, split *Split) error {
	if me.cancel == nil {
		var ctx context.Context
		ctx, me.cancel = context.WithCancel(proc.Ctx)
		me.fetchCtx = ctx
	}
	reg := process.NewWaitRegister()
	me.ctr.bind(&localSource{reg: reg})
	me.readers = append(me.readers, split.Reader)

	// A fetcher holds a worker for the split's whole lifetime. Submit must
	// never block the driver, so grow the pool past the configured
	// concurrency when the split count exceeds it.
	if me.pool.Free() == 0 {
		me.pool.Tune(me.pool.Cap() + 1)
	}
	ctx := me.fetchCtx
	mp := proc.Mp()
	me.fetchers.Add(1)
	err := me.pool.Submit(func() {
		defer me.fetchers.Done()
		me.fetchSplit(ctx, split, reg, mp)
	})
	if err != nil {
		me.fetchers.Done()
		serr := terr.NewInternalError(proc.Ctx, "submit fetcher for split %s: %v", split.ID, err)
		reg.Fail(serr)
		return serr
	}
	logutil.Debug("split bound",
		zap.String("plan_node", me.PlanNodeID),
		zap.String("split", split.ID))
	return nil
}

// fetchSplit pulls payloads from one split until EOF, error, or cancel.
func (me *MergeExchange) fetchSplit(ctx context.Context, split *Split, reg *process.WaitRegister, mp *mpool.MPool) {
	for {
		payload, err := split.Reader.ReadBatch(ctx)
		if err == io.EOF {
			reg.Close()
			return
		}
		if err != nil {
			reg.Fail(terr.NewInternalError(ctx, "split %s: %v", split.ID, err))
			return
		}
		bat, err := DecodeExchangePayload(payload, mp)
		if err != nil {
			reg.Fail(err)
			return
		}
		if !reg.Push(bat) {
			bat.Clean(mp)
			return
		}
	}
}

func (me *MergeExchange) discoveryDone() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.noMoreSplits && len(me.pending) == 0
}

func (me *MergeExchange) discoveryFuture() <-chan struct{} {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.noMoreSplits && len(me.pending) == 0 {
		// discovery completed between the caller's check and this call;
		// hand back a resolved future so the driver re-enters immediately
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return me.splitCh
}

// Finish tears down the exchange side: cancels fetchers, closes every split
// reader, and releases the pool. Idempotent; Free calls it as well.
func (me *MergeExchange) Finish() {
	me.mu.Lock()
	if me.finished {
		me.mu.Unlock()
		return
	}
	me.finished = true
	pending := me.pending
	me.pending = nil
	me.mu.Unlock()

	if me.cancel != nil {
		me.cancel()
	}
	// splits that never got bound still own a reader
	for _, split := range pending {
		me.readers = append(me.readers, split.Reader)
	}
	for _, r := range me.readers {
		if err := r.Close(); err != nil {
			logutil.Warn("split reader close failed",
				zap.String("plan_node", me.PlanNodeID),
				zap.Error(err))
		}
	}
	me.readers = nil
	me.fetchers.Wait()
	if me.pool != nil {
		me.pool.Release()
		me.pool = nil
	}
}

func (me *MergeExchange) Free(proc *process.Process, pipelineFailed bool, err error) {
	me.Finish()
	me.Merge.Free(proc, pipelineFailed, err)
}

// EncodeExchangePayload serializes bat into the wire form fetchers expect:
// the batch binary encoding behind the lz4 block frame.
func EncodeExchangePayload(bat *batch.Batch) ([]byte, error) {
	data, err := bat.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return compress.Compress(data, compress.Lz4)
}

// DecodeExchangePayload is the inverse of EncodeExchangePayload. Vector
// storage lands in mp so the resulting batch owns its memory.
func DecodeExchangePayload(payload []byte, mp *mpool.MPool) (*batch.Batch, error) {
	data, err := compress.Decompress(payload, compress.Lz4)
	if err != nil {
		return nil, err
	}
	bat := batch.NewWithSize(0)
	if err := bat.UnmarshalBinaryWithCopy(data, mp); err != nil {
		bat.Clean(mp)
		return nil, err
	}
	return bat, nil
}
