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

package mpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/pkg/common/terr"
)

func TestAllocFree(t *testing.T) {
	mp := MustNewZero()
	buf, err := mp.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, 100, len(buf))
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
	require.Equal(t, int64(100), mp.CurrNB())
	mp.Free(buf)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestAllocCap(t *testing.T) {
	mp, err := NewMPool("test", 64)
	require.NoError(t, err)
	_, err = mp.Alloc(65)
	require.Error(t, err)
	require.True(t, terr.IsOOM(err))

	buf, err := mp.Alloc(64)
	require.NoError(t, err)
	mp.Free(buf)
}

func TestRealloc(t *testing.T) {
	mp := MustNewZero()
	buf, err := mp.Alloc(10)
	require.NoError(t, err)
	copy(buf, "0123456789")

	buf, err = mp.Realloc(buf, 20)
	require.NoError(t, err)
	require.Equal(t, 20, len(buf))
	require.Equal(t, "0123456789", string(buf[:10]))
	mp.Free(buf)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestGrow(t *testing.T) {
	mp := MustNewZero()
	buf, err := mp.Alloc(8)
	require.NoError(t, err)

	grown, err := mp.Grow(buf, 1000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cap(grown), 1000)
	mp.Free(grown)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestHighWaterMark(t *testing.T) {
	mp := MustNewZero()
	a, err := mp.Alloc(100)
	require.NoError(t, err)
	b, err := mp.Alloc(200)
	require.NoError(t, err)
	mp.Free(a)
	mp.Free(b)
	require.GreaterOrEqual(t, mp.Stats().HighWaterMark.Load(), int64(300))
	require.Equal(t, int64(0), mp.CurrNB())
}
