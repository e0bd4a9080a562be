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

// Package process carries the per-pipeline runtime context: the memory
// pool, resource limits, and the registers connecting operators.
package process

import (
	"context"

	"github.com/tessera-db/tessera/pkg/common/mpool"
)

type Limitation struct {
	// Size is the memory threshold for one pipeline.
	Size int64
	// BatchRows caps rows per produced batch.
	BatchRows int64
	// BatchSize caps bytes per produced batch.
	BatchSize int64
}

// Register connects a consuming operator to its in-task producers.
type Register struct {
	MergeReceivers []*WaitRegister
}

type Process struct {
	Ctx context.Context
	Reg Register
	Lim Limitation

	mp *mpool.MPool
}

func New(ctx context.Context, mp *mpool.MPool) *Process {
	return &Process{
		Ctx: ctx,
		mp:  mp,
	}
}

// NewWithMergeReceivers builds a process with n producer queues bound to
// Reg.MergeReceivers.
func NewWithMergeReceivers(ctx context.Context, mp *mpool.MPool, n int) *Process {
	proc := New(ctx, mp)
	proc.Reg.MergeReceivers = make([]*WaitRegister, n)
	for i := range proc.Reg.MergeReceivers {
		proc.Reg.MergeReceivers[i] = NewWaitRegister()
	}
	return proc
}

func (proc *Process) Mp() *mpool.MPool {
	return proc.mp
}
