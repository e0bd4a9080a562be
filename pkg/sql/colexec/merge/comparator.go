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
	"container/heap"
	"context"

	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/sql/colexec"
	"github.com/tessera-db/tessera/pkg/sql/plan"
)

type sortKey struct {
	col       int
	desc      bool
	nullsLast bool
}

// comparator is the total order over materialized rows induced by the key
// descriptor list.
type comparator struct {
	store *colexec.RowStore
	keys  []sortKey
}

func newComparator(store *colexec.RowStore, resultTypes []types.Type, specs []*plan.OrderBySpec) (*comparator, error) {
	if len(specs) == 0 {
		return nil, terr.NewBadConfig(context.TODO(), "merge without sort keys")
	}
	keys := make([]sortKey, len(specs))
	for i, spec := range specs {
		if spec == nil {
			return nil, terr.NewBadConfig(context.TODO(), "nil sort key at position %d", i)
		}
		if spec.ColPos < 0 || int(spec.ColPos) >= len(resultTypes) {
			return nil, terr.NewBadConfig(context.TODO(),
				"sort key %s out of range, output has %d columns", spec, len(resultTypes))
		}
		keys[i] = sortKey{
			col:       int(spec.ColPos),
			desc:      spec.Descending(),
			nullsLast: spec.NullsLast(),
		}
	}
	return &comparator{store: store, keys: keys}, nil
}

// compare returns <0 when the row at slot l sorts before the row at r, >0
// when after, 0 on a full-key tie. Keys are examined in order; the first
// non-equal key decides.
func (c *comparator) compare(l, r int32) int {
	for _, key := range c.keys {
		if res := c.store.Compare(l, r, key.col, key.desc, key.nullsLast); res != 0 {
			return res
		}
	}
	return 0
}

// greater reports whether the row at l sorts after the row at r. This is
// the predicate a max-oriented priority queue would be built on; it is kept
// (and named) to make the orientation explicit, see candidateQueue.Less.
func (c *comparator) greater(l, r int32) bool {
	return c.compare(l, r) > 0
}

// sourceRow is one queued merge candidate: the source it came from and its
// slot in the row store. seq is the push sequence number; it makes full-key
// ties deterministic (insertion order) but is NOT a cross-source stability
// guarantee.
type sourceRow struct {
	src  int
	slot int32
	seq  uint64
}

// candidateQueue holds at most one candidate per active source.
//
// Orientation note: container/heap is min-oriented (Pop returns the
// smallest under Less), while std::priority_queue-style merges are built on
// a max-heap over a "greater"/sorts-later predicate. Here Less directly
// means "emits earlier", so the head is always the next row in merge order;
// anyone porting against a max-heap convention must invert.
type candidateQueue struct {
	cmp  *comparator
	rows []sourceRow
}

func newCandidateQueue(cmp *comparator) *candidateQueue {
	return &candidateQueue{cmp: cmp}
}

func (q *candidateQueue) Len() int { return len(q.rows) }

func (q *candidateQueue) Less(i, j int) bool {
	if res := q.cmp.compare(q.rows[i].slot, q.rows[j].slot); res != 0 {
		return res < 0
	}
	return q.rows[i].seq < q.rows[j].seq
}

func (q *candidateQueue) Swap(i, j int) {
	q.rows[i], q.rows[j] = q.rows[j], q.rows[i]
}

func (q *candidateQueue) Push(x any) {
	q.rows = append(q.rows, x.(sourceRow))
}

func (q *candidateQueue) Pop() any {
	n := len(q.rows) - 1
	row := q.rows[n]
	q.rows = q.rows[:n]
	return row
}

func (q *candidateQueue) push(row sourceRow) {
	heap.Push(q, row)
}

func (q *candidateQueue) pop() sourceRow {
	return heap.Pop(q).(sourceRow)
}

// removeSource strips source src's candidate, if queued.
func (q *candidateQueue) removeSource(src int) (sourceRow, bool) {
	for i := range q.rows {
		if q.rows[i].src == src {
			return heap.Remove(q, i).(sourceRow), true
		}
	}
	return sourceRow{}, false
}

func (q *candidateQueue) reset() {
	q.rows = q.rows[:0]
}
