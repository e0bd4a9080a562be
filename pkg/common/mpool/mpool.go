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

// Package mpool implements the per-task memory accounting pool. Every byte
// held by containers (vectors, batches, materialized rows) is allocated
// through an MPool so that a task's working set is observable and bounded.
package mpool

import (
	"context"
	"sync/atomic"

	"github.com/tessera-db/tessera/pkg/common/terr"
)

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

// NoFixed means no capacity limit.
const NoFixed int64 = 0

type Stats struct {
	NumAlloc      atomic.Int64
	NumFree       atomic.Int64
	NumCurrBytes  atomic.Int64
	HighWaterMark atomic.Int64
}

type MPool struct {
	name  string
	cap   int64 // 0 means unlimited
	stats Stats
}

// NewMPool creates a pool named name with capacity cap bytes.
// cap == NoFixed disables the limit.
func NewMPool(name string, cap int64) (*MPool, error) {
	if cap < 0 {
		return nil, terr.NewBadConfig(context.TODO(), "mpool %s: negative cap %d", name, cap)
	}
	return &MPool{name: name, cap: cap}, nil
}

// MustNewZero is a test helper returning an unlimited pool.
func MustNewZero() *MPool {
	mp, err := NewMPool("zero-cap", NoFixed)
	if err != nil {
		panic(err)
	}
	return mp
}

func (mp *MPool) Name() string {
	return mp.name
}

func (mp *MPool) Cap() int64 {
	return mp.cap
}

// CurrNB returns the number of bytes currently allocated from the pool.
func (mp *MPool) CurrNB() int64 {
	return mp.stats.NumCurrBytes.Load()
}

func (mp *MPool) Stats() *Stats {
	return &mp.stats
}

// Alloc returns a zeroed buffer of exactly sz bytes, charged to the pool.
func (mp *MPool) Alloc(sz int) ([]byte, error) {
	if sz < 0 {
		return nil, terr.NewInvalidInput(context.TODO(), "mpool %s: alloc size %d", mp.name, sz)
	}
	if sz == 0 {
		return nil, nil
	}
	curr := mp.stats.NumCurrBytes.Add(int64(sz))
	if mp.cap != NoFixed && curr > mp.cap {
		mp.stats.NumCurrBytes.Add(-int64(sz))
		return nil, terr.NewOOM(context.TODO())
	}
	mp.stats.NumAlloc.Add(1)
	for {
		hw := mp.stats.HighWaterMark.Load()
		if curr <= hw || mp.stats.HighWaterMark.CompareAndSwap(hw, curr) {
			break
		}
	}
	return make([]byte, sz), nil
}

// Free returns buf's bytes to the pool. Free(nil) is a no-op.
func (mp *MPool) Free(buf []byte) {
	if buf == nil {
		return
	}
	mp.stats.NumFree.Add(1)
	mp.stats.NumCurrBytes.Add(-int64(cap(buf)))
}

// Realloc grows buf to sz bytes, copying the old contents and zeroing the
// tail. Shrinking is a no-op returning buf[:sz].
func (mp *MPool) Realloc(buf []byte, sz int) ([]byte, error) {
	if sz <= cap(buf) {
		return buf[:sz], nil
	}
	nb, err := mp.Alloc(sz)
	if err != nil {
		return nil, err
	}
	copy(nb, buf)
	mp.Free(buf)
	return nb, nil
}

// Grow is Realloc with geometric growth so that repeated small appends stay
// amortized O(1).
func (mp *MPool) Grow(buf []byte, sz int) ([]byte, error) {
	if sz <= cap(buf) {
		return buf[:sz], nil
	}
	newCap := cap(buf) * 2
	if newCap < sz {
		newCap = sz
	}
	if newCap < 64 {
		newCap = 64
	}
	nb, err := mp.Alloc(newCap)
	if err != nil {
		return nil, err
	}
	copy(nb, buf)
	mp.Free(buf)
	return nb[:sz], nil
}
