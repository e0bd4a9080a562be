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
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/container/batch"
	"github.com/tessera-db/tessera/pkg/logutil"
	"github.com/tessera-db/tessera/pkg/sql/colexec"
	"github.com/tessera-db/tessera/pkg/vm"
	"github.com/tessera-db/tessera/pkg/vm/process"
)

func (m *Merge) String(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%s(%d)", m.OperatorType, m.OperatorID)
}

// Prepare validates the key descriptors and builds the merge state. Bad
// descriptors are a planner error and fail here, never mid-merge.
func (m *Merge) Prepare(proc *process.Process) error {
	if m.ctr != nil {
		return nil
	}
	if len(m.ResultTypes) == 0 {
		return terr.NewBadConfig(proc.Ctx, "merge with empty output schema")
	}
	m.Params.SetDefaultValues()
	if err := m.Params.Validate(); err != nil {
		return err
	}

	store, err := colexec.NewRowStore(m.ResultTypes, proc.Mp())
	if err != nil {
		return err
	}
	cmp, err := newComparator(store, m.ResultTypes, m.OrderBySpecs)
	if err != nil {
		store.Close()
		return err
	}
	m.ctr = &container{
		state:          acquiringSources,
		store:          store,
		cmp:            cmp,
		heap:           newCandidateQueue(cmp),
		workingSetSize: m.Params.WorkingSetSize,
	}
	return nil
}

// IsBlocked returns and clears the reason recorded by the last GetOutput.
func (m *Merge) IsBlocked() (vm.BlockingReason, <-chan struct{}) {
	if m.ctr == nil {
		return vm.NotBlocked, nil
	}
	reason, future := m.ctr.blockingReason, m.ctr.future
	m.ctr.blockingReason, m.ctr.future = vm.NotBlocked, nil
	return reason, future
}

// GetOutput produces the next batch in global merge order, nil once the
// operator is finished. When a source blocks, it records the blocking
// reason for IsBlocked and returns whatever is safe to emit: nothing if the
// refill pass blocked, the partial batch if the emit loop did (every row
// already popped was a global minimum while all active sources held a
// candidate).
func (m *Merge) GetOutput(proc *process.Process) (*batch.Batch, error) {
	ctr := m.ctr
	if ctr == nil || ctr.state == finished {
		return nil, nil
	}
	if err, cancelled := vm.CancelCheck(proc); cancelled {
		return nil, err
	}

	// Source discovery runs on every call; the exchange variant may learn
	// about new splits at any time before its no-more-splits signal.
	reason, future, err := m.binder.addMergeSources(proc)
	if err != nil {
		return nil, err
	}
	if reason != vm.NotBlocked {
		ctr.block(reason, future)
		return nil, nil
	}
	if ctr.state == acquiringSources {
		ctr.state = merging
	}

	reason, future, err = ctr.ensureSourcesReady(proc)
	if err != nil {
		ctr.discardOutput(proc.Mp())
		return nil, err
	}
	if reason != vm.NotBlocked {
		ctr.block(reason, future)
		return nil, nil
	}

	// After an unblocked refill pass, every active source has a queued
	// candidate, so an empty heap means no active sources remain.
	if ctr.heap.Len() == 0 {
		if !m.binder.discoveryDone() {
			ctr.block(vm.WaitingForSplits, m.binder.discoveryFuture())
			return nil, nil
		}
		m.maybeFinish()
		return nil, nil
	}
	return m.emit(proc)
}

// ensureSourcesReady guarantees every active source has its candidate row
// queued. One blocked source halts the pass immediately: sources after it
// are not probed, trading latency under uneven readiness for never popping
// the heap while a candidate is missing.
func (ctr *container) ensureSourcesReady(proc *process.Process) (vm.BlockingReason, <-chan struct{}, error) {
	for i := range ctr.sources {
		if !ctr.active[i] || ctr.inHeap[i] {
			continue
		}
		if len(ctr.buffered[i]) > 0 {
			ctr.pushCandidate(i)
			continue
		}
		reason, future, err := ctr.pushSource(proc, i)
		if err != nil || reason != vm.NotBlocked {
			return reason, future, err
		}
	}
	return vm.NotBlocked, nil, nil
}

// pushSource pulls source i until it yields rows, blocks, or exhausts.
// On rows, the whole pulled batch is materialized but only its first row
// becomes the heap candidate; the rest wait in the source's buffer.
// On failure the source's buffered rows are discarded and the error is
// forwarded unchanged; retry belongs to the source, not here.
func (ctr *container) pushSource(proc *process.Process, i int) (vm.BlockingReason, <-chan struct{}, error) {
	for {
		bat, status, wait, err := ctr.sources[i].TryNext(proc)
		if err != nil {
			ctr.discardSource(i)
			return vm.NotBlocked, nil, err
		}
		switch status {
		case SourceBlocked:
			return vm.WaitingForInput, wait, nil
		case SourceExhausted:
			ctr.deactivate(i)
			return vm.NotBlocked, nil, nil
		}
		if bat.IsEmpty() {
			// keep-alive message, ask again
			bat.Clean(proc.Mp())
			continue
		}
		slots, err := ctr.store.PutBatch(bat)
		bat.Clean(proc.Mp())
		if err != nil {
			ctr.discardSource(i)
			return vm.NotBlocked, nil, err
		}
		ctr.buffered[i] = slots
		ctr.pushCandidate(i)
		if !ctr.wsReported && ctr.workingSetSize > 0 && ctr.store.Bytes() > ctr.workingSetSize {
			ctr.wsReported = true
			logutil.Warn("merge working set above configured bound",
				zap.Int64("bytes", ctr.store.Bytes()),
				zap.Int64("bound", ctr.workingSetSize))
		}
		return vm.NotBlocked, nil, nil
	}
}

// emit drains the candidate queue into one output batch.
func (m *Merge) emit(proc *process.Process) (*batch.Batch, error) {
	ctr := m.ctr
	if ctr.buf == nil {
		ctr.buf = batch.NewWithTypes(m.ResultTypes)
	}
	rows := 0
	for ctr.heap.Len() > 0 {
		cand := ctr.heap.pop()
		ctr.inHeap[cand.src] = false
		if err := ctr.store.AppendRowTo(ctr.buf, cand.slot, proc.Mp()); err != nil {
			ctr.store.Free(cand.slot)
			ctr.discardOutput(proc.Mp())
			return nil, err
		}
		ctr.store.Free(cand.slot)
		rows++

		// Refill only the source whose candidate was consumed.
		if len(ctr.buffered[cand.src]) > 0 {
			ctr.pushCandidate(cand.src)
		} else if ctr.active[cand.src] {
			reason, future, err := ctr.pushSource(proc, cand.src)
			if err != nil {
				ctr.discardOutput(proc.Mp())
				return nil, err
			}
			if reason != vm.NotBlocked {
				ctr.block(reason, future)
				break
			}
		}

		if rows >= m.Params.OutputBatchMaxRows || int64(ctr.buf.Size()) >= m.Params.OutputBatchMaxSize {
			break
		}
	}
	ctr.buf.SetRowCount(rows)
	res := ctr.buf
	ctr.buf = nil
	m.maybeFinish()
	return res, nil
}

func (m *Merge) maybeFinish() {
	ctr := m.ctr
	if ctr.state != finished && ctr.heap.Len() == 0 &&
		ctr.activeCount == 0 && m.binder.discoveryDone() {
		ctr.state = finished
		logutil.Debug("merge finished",
			zap.String("plan_node", m.PlanNodeID),
			zap.Int32("operator", m.OperatorID))
	}
}

// Free releases every resource the merge holds. Safe to call more than
// once.
func (m *Merge) Free(proc *process.Process, pipelineFailed bool, err error) {
	ctr := m.ctr
	if ctr == nil {
		return
	}
	mp := proc.Mp()
	ctr.discardOutput(mp)
	for i, src := range ctr.sources {
		if src != nil {
			src.Close(mp)
		}
		ctr.buffered[i] = nil
	}
	ctr.heap.reset()
	ctr.store.Close()
	ctr.state = finished
	m.ctr = nil
	if pipelineFailed && err != nil {
		logutil.Error("merge pipeline failed",
			zap.String("plan_node", m.PlanNodeID),
			zap.Error(err))
	}
}

func (m *Merge) newOperatorInfo(operatorID int32, planNodeID, operatorType string) {
	m.SetInfo(&vm.OperatorInfo{
		OperatorID:   operatorID,
		PlanNodeID:   planNodeID,
		OperatorType: operatorType,
	})
}
