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

// Package nulls wraps the roaring bitmap library for NULL tracking.
// A column's NULL rows are the set bits of its Nulls.
package nulls

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

type Nulls struct {
	np *roaring.Bitmap
}

func NewWithSize(_ int) *Nulls {
	return &Nulls{np: roaring.New()}
}

func Build(size int, rows ...uint32) *Nulls {
	nsp := NewWithSize(size)
	nsp.Add(rows...)
	return nsp
}

// Any returns true if nsp contains any null row.
func Any(nsp *Nulls) bool {
	return nsp != nil && nsp.np != nil && !nsp.np.IsEmpty()
}

func Contains(nsp *Nulls, row uint32) bool {
	return nsp != nil && nsp.np != nil && nsp.np.Contains(row)
}

func (nsp *Nulls) Add(rows ...uint32) {
	if len(rows) == 0 {
		return
	}
	if nsp.np == nil {
		nsp.np = roaring.New()
	}
	nsp.np.AddMany(rows)
}

func (nsp *Nulls) Contains(row uint32) bool {
	return Contains(nsp, row)
}

func (nsp *Nulls) Any() bool {
	return Any(nsp)
}

func (nsp *Nulls) Count() int {
	if nsp == nil || nsp.np == nil {
		return 0
	}
	return int(nsp.np.GetCardinality())
}

func (nsp *Nulls) Clone() *Nulls {
	if nsp == nil {
		return nil
	}
	if nsp.np == nil {
		return &Nulls{}
	}
	return &Nulls{np: nsp.np.Clone()}
}

// Or merges m's nulls into nsp.
func (nsp *Nulls) Or(m *Nulls) {
	if m == nil || m.np == nil {
		return
	}
	if nsp.np == nil {
		nsp.np = roaring.New()
	}
	nsp.np.Or(m.np)
}

func (nsp *Nulls) Reset() {
	if nsp.np != nil {
		nsp.np.Clear()
	}
}

func (nsp *Nulls) String() string {
	if nsp == nil || nsp.np == nil {
		return "[]"
	}
	return fmt.Sprintf("%v", nsp.np.ToArray())
}

// Show serializes nsp for the batch codec. An empty set serializes to nil.
func (nsp *Nulls) Show() ([]byte, error) {
	if nsp == nil || nsp.np == nil || nsp.np.IsEmpty() {
		return nil, nil
	}
	return nsp.np.ToBytes()
}

// Read deserializes data produced by Show.
func (nsp *Nulls) Read(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	nsp.np = roaring.New()
	return nsp.np.UnmarshalBinary(data)
}
