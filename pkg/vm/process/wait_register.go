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

package process

import (
	"sync"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/container/batch"
)

// WaitRegister is the queue between a producer (another operator in the
// same task, or an exchange fetcher) and a consuming operator.
//
// The consumer side never blocks: TryPop either returns a batch, reports
// end-of-stream, or hands back a wait channel that closes on the next state
// change. Producers own their batches until Push; after Push the consumer
// owns them.
type WaitRegister struct {
	mu     sync.Mutex
	bats   []*batch.Batch
	err    error
	closed bool
	waitCh chan struct{}
}

func NewWaitRegister() *WaitRegister {
	return &WaitRegister{
		waitCh: make(chan struct{}),
	}
}

func (w *WaitRegister) notifyLocked() {
	close(w.waitCh)
	w.waitCh = make(chan struct{})
}

// Push enqueues bat. Pushing to a closed register reports false and leaves
// ownership with the caller.
func (w *WaitRegister) Push(bat *batch.Batch) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.bats = append(w.bats, bat)
	w.notifyLocked()
	return true
}

// Close marks end-of-stream. Batches already queued remain poppable.
func (w *WaitRegister) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.notifyLocked()
}

// Fail closes the register with err. The failure preempts any batches still
// queued: the consumer sees the error on its next TryPop.
func (w *WaitRegister) Fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.err = err
	w.closed = true
	w.notifyLocked()
}

// TryPop returns (bat, nil, false, nil) on data, (nil, nil, true, nil) on
// end-of-stream, (nil, wait, false, nil) when the consumer must wait, and a
// non-nil error once the producer failed.
func (w *WaitRegister) TryPop() (*batch.Batch, <-chan struct{}, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, nil, false, w.err
	}
	if len(w.bats) > 0 {
		bat := w.bats[0]
		w.bats = w.bats[1:]
		return bat, nil, false, nil
	}
	if w.closed {
		return nil, nil, true, nil
	}
	return nil, w.waitCh, false, nil
}

// Cleanup drops and frees every queued batch, used on teardown.
func (w *WaitRegister) Cleanup(mp *mpool.MPool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, bat := range w.bats {
		bat.Clean(mp)
	}
	w.bats = nil
	if !w.closed {
		w.closed = true
		w.notifyLocked()
	}
}
