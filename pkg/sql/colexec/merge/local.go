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
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/container/types"
	"github.com/tessera-db/tessera/pkg/sql/plan"
	"github.com/tessera-db/tessera/pkg/vm"
	"github.com/tessera-db/tessera/pkg/vm/process"
)

// LocalMerge merges the sorted streams of a fixed set of in-task producers.
// The producer count is known at plan time, so all sources bind on the first
// GetOutput and discovery is complete from then on.
type LocalMerge struct {
	Merge

	// NumSources is the planned producer count; it must match the process
	// merge receivers at bind time.
	NumSources int

	bound bool
}

var _ vm.Operator = (*LocalMerge)(nil)

func NewLocalMerge(
	operatorID int32,
	planNodeID string,
	resultTypes []types.Type,
	orderBySpecs []*plan.OrderBySpec,
	numSources int,
	params config.MergeParameters,
) *LocalMerge {
	lm := &LocalMerge{NumSources: numSources}
	lm.ResultTypes = resultTypes
	lm.OrderBySpecs = orderBySpecs
	lm.Params = params
	lm.binder = lm
	lm.newOperatorInfo(operatorID, planNodeID, "LocalMerge")
	return lm
}

func (lm *LocalMerge) Prepare(proc *process.Process) error {
	if lm.NumSources <= 0 {
		return terr.NewBadConfig(proc.Ctx, "local merge with %d sources", lm.NumSources)
	}
	return lm.Merge.Prepare(proc)
}

// addMergeSources binds every merge receiver in one step.
func (lm *LocalMerge) addMergeSources(proc *process.Process) (vm.BlockingReason, <-chan struct{}, error) {
	if lm.bound {
		return vm.NotBlocked, nil, nil
	}
	regs := proc.Reg.MergeReceivers
	if len(regs) != lm.NumSources {
		return vm.NotBlocked, nil, terr.NewInvalidState(proc.Ctx,
			"local merge planned for %d sources, process wired %d", lm.NumSources, len(regs))
	}
	for _, reg := range regs {
		lm.ctr.bind(&localSource{reg: reg})
	}
	lm.bound = true
	return vm.NotBlocked, nil, nil
}

func (lm *LocalMerge) discoveryDone() bool {
	return lm.bound
}

func (lm *LocalMerge) discoveryFuture() <-chan struct{} {
	// unreachable while unbound; addMergeSources binds in one step
	return nil
}
