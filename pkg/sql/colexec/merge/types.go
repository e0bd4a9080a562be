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

// Package merge implements the k-way merge operators. LocalMerge merges the
// sorted outputs of in-task producers; MergeExchange merges sorted streams
// fed by remote splits. Both share one merge core that keeps a priority
// queue holding the current candidate row of every still-active source and
// stops merging as soon as any one source blocks.
package merge

import (
	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/container/batch"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/sql/colexec"
	"github.com/tessera-db/tessera/pkg/sql/plan"
	"github.com/tessera-db/tessera/pkg/vm"
	"github.com/tessera-db/tessera/pkg/vm/process"
)

type SourceStatus int32

const (
	SourceHasData SourceStatus = iota
	SourceBlocked
	SourceExhausted
)

// Source is one sorted input stream. TryNext never blocks: it returns a
// batch, or SourceBlocked together with a wait channel that closes when the
// source should be asked again, or SourceExhausted once the stream ended.
// Exhausted is irreversible. Ownership of a returned batch transfers to the
// caller. An error means the upstream failed; it is final and is forwarded
// to the driver unchanged.
type Source interface {
	TryNext(proc *process.Process) (*batch.Batch, SourceStatus, <-chan struct{}, error)
	Close(mp *mpool.MPool)
}

// localSource adapts an in-task producer queue.
type localSource struct {
	reg *process.WaitRegister
}

func (s *localSource) TryNext(*process.Process) (*batch.Batch, SourceStatus, <-chan struct{}, error) {
	bat, wait, done, err := s.reg.TryPop()
	switch {
	case err != nil:
		return nil, SourceExhausted, nil, err
	case bat != nil:
		return bat, SourceHasData, nil, nil
	case done:
		return nil, SourceExhausted, nil, nil
	default:
		return nil, SourceBlocked, wait, nil
	}
}

func (s *localSource) Close(mp *mpool.MPool) {
	s.reg.Cleanup(mp)
}

// mergeState tracks the operator life cycle:
// acquiringSources -> merging <-> blocked -> finished. Blocked is not a
// distinct value here; it is the recorded blockingReason on the container.
type mergeState int32

const (
	acquiringSources mergeState = iota
	merging
	finished
)

// sourceBinder isolates the topology differences: how sources are
// discovered and bound. The merge algorithm itself never branches on the
// concrete variant.
type sourceBinder interface {
	// addMergeSources binds any newly discovered sources onto the merge
	// core. It may report blocked when discovery cannot complete yet.
	addMergeSources(proc *process.Process) (vm.BlockingReason, <-chan struct{}, error)

	// discoveryDone reports that no more sources will ever appear.
	discoveryDone() bool

	// discoveryFuture resolves when the source set may have changed. Only
	// consulted while discoveryDone is false.
	discoveryFuture() <-chan struct{}
}

// Merge is the shared merge core embedded by LocalMerge and MergeExchange.
type Merge struct {
	vm.OperatorBase

	// OrderBySpecs is the key descriptor list, fixed for the operator's
	// lifetime.
	OrderBySpecs []*plan.OrderBySpec
	// ResultTypes is the projected output schema.
	ResultTypes []types.Type
	// Params hold the output batch caps; zero values take the configured
	// defaults at Prepare.
	Params config.MergeParameters

	binder sourceBinder
	ctr    *container
}

type container struct {
	state mergeState

	sources     []Source
	active      []bool
	activeCount int

	// buffered[i] holds the slots of source i's rows already materialized
	// but not yet surfaced as its heap candidate; intra-source order is the
	// pull order.
	buffered [][]int32
	// inHeap[i] reports whether source i currently has its candidate
	// queued.
	inHeap []bool

	store *colexec.RowStore
	cmp   *comparator
	heap  *candidateQueue
	seq   uint64

	// workingSetSize is the configured soft bound on materialized bytes;
	// crossing it is reported once, not enforced.
	workingSetSize int64
	wsReported     bool

	blockingReason vm.BlockingReason
	future         <-chan struct{}

	buf *batch.Batch
}

func (ctr *container) block(reason vm.BlockingReason, future <-chan struct{}) {
	ctr.blockingReason = reason
	ctr.future = future
}

// bind registers a newly discovered source as active.
func (ctr *container) bind(src Source) {
	ctr.sources = append(ctr.sources, src)
	ctr.active = append(ctr.active, true)
	ctr.buffered = append(ctr.buffered, nil)
	ctr.inHeap = append(ctr.inHeap, false)
	ctr.activeCount++
}

func (ctr *container) deactivate(i int) {
	if ctr.active[i] {
		ctr.active[i] = false
		ctr.activeCount--
	}
}

// pushCandidate moves the head of source i's buffered rows into the heap.
func (ctr *container) pushCandidate(i int) {
	slot := ctr.buffered[i][0]
	ctr.buffered[i] = ctr.buffered[i][1:]
	ctr.seq++
	ctr.heap.push(sourceRow{src: i, slot: slot, seq: ctr.seq})
	ctr.inHeap[i] = true
}

// discardSource drops source i's heap candidate and buffered rows, used on
// a propagated source failure.
func (ctr *container) discardSource(i int) {
	if ctr.inHeap[i] {
		if cand, ok := ctr.heap.removeSource(i); ok {
			ctr.store.Free(cand.slot)
		}
		ctr.inHeap[i] = false
	}
	for _, slot := range ctr.buffered[i] {
		ctr.store.Free(slot)
	}
	ctr.buffered[i] = nil
	ctr.deactivate(i)
}

func (ctr *container) discardOutput(mp *mpool.MPool) {
	if ctr.buf != nil {
		ctr.buf.Clean(mp)
		ctr.buf = nil
	}
}
