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

// Package plan holds the planner-facing descriptors consumed by operators.
package plan

import "fmt"

type OrderBySpecFlag int32

const (
	OrderBySpec_INTERNAL    OrderBySpecFlag = 0
	OrderBySpec_ASC         OrderBySpecFlag = 1
	OrderBySpec_DESC        OrderBySpecFlag = 2
	OrderBySpec_NULLS_FIRST OrderBySpecFlag = 4
	OrderBySpec_NULLS_LAST  OrderBySpecFlag = 8
)

// OrderBySpec is one sort key: a column position in the operator's output
// schema plus direction and null-placement flags. The key list of an
// operator is fixed at plan time.
type OrderBySpec struct {
	ColPos int32
	Flag   OrderBySpecFlag
}

func (s *OrderBySpec) Descending() bool {
	return s.Flag&OrderBySpec_DESC != 0
}

// NullsLast resolves the null placement. When neither flag is set, nulls
// sort as the smallest value: first for ascending keys, last for descending.
func (s *OrderBySpec) NullsLast() bool {
	if s.Flag&OrderBySpec_NULLS_FIRST != 0 {
		return false
	}
	if s.Flag&OrderBySpec_NULLS_LAST != 0 {
		return true
	}
	return s.Descending()
}

func (s *OrderBySpec) String() string {
	dir := "asc"
	if s.Descending() {
		dir = "desc"
	}
	nulls := "nulls_first"
	if s.NullsLast() {
		nulls = "nulls_last"
	}
	return fmt.Sprintf("#%d %s %s", s.ColPos, dir, nulls)
}
