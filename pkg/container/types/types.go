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

package types

import "fmt"

// T is the type oid of a column.
type T uint8

const (
	T_any T = iota

	T_bool
	T_int32
	T_int64
	T_float64

	// T_varchar element storage is an 8-byte (offset, length) reference
	// into the vector's area.
	T_varchar
)

// Type describes one column.
type Type struct {
	Oid T
	// Size is the fixed element width in bytes inside a vector or a
	// materialized row.
	Size int32
}

func New(oid T) Type {
	return Type{Oid: oid, Size: oid.FixedLength()}
}

func (t T) ToType() Type {
	return New(t)
}

// FixedLength returns the in-vector element width of t.
func (t T) FixedLength() int32 {
	switch t {
	case T_bool:
		return 1
	case T_int32:
		return 4
	case T_int64, T_float64:
		return 8
	case T_varchar:
		// offset uint32 + length uint32
		return 8
	}
	return 0
}

// IsVarlen reports whether values of t live in the area instead of the
// fixed-width element storage.
func (t T) IsVarlen() bool {
	return t == T_varchar
}

func (t T) String() string {
	switch t {
	case T_any:
		return "ANY"
	case T_bool:
		return "BOOL"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_float64:
		return "DOUBLE"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("unknown type: %d", uint8(t))
}

func (t Type) String() string {
	return t.Oid.String()
}
