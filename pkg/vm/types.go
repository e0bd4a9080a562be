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

// Package vm defines the operator contract driven by the task scheduler.
//
// The driver loop alternates IsBlocked and GetOutput on one goroutine and
// never calls them concurrently. An operator must not block inside either
// call: when it cannot make progress it returns a BlockingReason together
// with a future channel, and the driver re-enters only after the future
// resolves.
package vm

import (
	"bytes"

	"github.com/tessera-db/tessera/pkg/container/batch"
	"github.com/tessera-db/tessera/pkg/vm/process"
)

type BlockingReason int32

const (
	NotBlocked BlockingReason = iota
	// WaitingForInput: a source cannot supply its next batch yet.
	WaitingForInput
	// WaitingForSplits: source discovery itself is incomplete.
	WaitingForSplits
)

func (r BlockingReason) String() string {
	switch r {
	case NotBlocked:
		return "NotBlocked"
	case WaitingForInput:
		return "WaitingForInput"
	case WaitingForSplits:
		return "WaitingForSplits"
	}
	return "Unknown"
}

type Operator interface {
	// String appends a diagnostic label including the stable operator id.
	String(buf *bytes.Buffer)

	// Prepare validates construction parameters and builds runtime state.
	Prepare(proc *process.Process) error

	// IsBlocked reports why the operator cannot progress. A non-nil future
	// resolves when progress may be possible again.
	IsBlocked() (BlockingReason, <-chan struct{})

	// GetOutput produces the next output batch. Ownership of the returned
	// batch transfers to the caller. A nil batch with nil error means the
	// operator is finished.
	GetOutput(proc *process.Process) (*batch.Batch, error)

	// Free releases everything the operator holds.
	Free(proc *process.Process, pipelineFailed bool, err error)
}

type OperatorInfo struct {
	OperatorID   int32
	PlanNodeID   string
	OperatorType string
}

type OperatorBase struct {
	OperatorInfo
}

func (o *OperatorBase) SetInfo(info *OperatorInfo) {
	o.OperatorInfo = *info
}

func (o *OperatorBase) GetOperatorBase() *OperatorBase {
	return o
}

// CancelCheck reports whether the surrounding task has been cancelled.
func CancelCheck(proc *process.Process) (error, bool) {
	select {
	case <-proc.Ctx.Done():
		return proc.Ctx.Err(), true
	default:
		return nil, false
	}
}
