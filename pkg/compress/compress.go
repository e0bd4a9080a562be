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

// Package compress implements the block codec used for exchange payloads.
// The original length is carried in the trailing 4 bytes of the frame.
package compress

import (
	"context"
	"encoding/binary"

	"github.com/pierrec/lz4/v4"

	"github.com/tessera-db/tessera/pkg/common/terr"
)

const (
	None = iota
	Lz4
)

// Compress frames src with algorithm alg.
func Compress(src []byte, alg int) ([]byte, error) {
	switch alg {
	case None:
		return src, nil
	case Lz4:
		dst := make([]byte, lz4.CompressBlockBound(len(src))+5)
		n, err := lz4.CompressBlock(src, dst[1:], nil)
		if err != nil {
			return nil, terr.NewInternalError(context.TODO(), "lz4 compress: %v", err)
		}
		if n == 0 {
			// incompressible; store raw
			dst[0] = 0
			n = copy(dst[1:], src)
		} else {
			dst[0] = 1
		}
		dst = dst[:n+5]
		binary.LittleEndian.PutUint32(dst[n+1:], uint32(len(src)))
		return dst, nil
	}
	return nil, terr.NewNYI(context.TODO(), "compress algorithm %d", alg)
}

// Decompress unframes data produced by Compress.
func Decompress(data []byte, alg int) ([]byte, error) {
	switch alg {
	case None:
		return data, nil
	case Lz4:
		if len(data) < 5 {
			return nil, terr.NewInvalidInput(context.TODO(), "short lz4 frame: %d bytes", len(data))
		}
		origLen := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
		body := data[1 : len(data)-4]
		dst := make([]byte, origLen)
		if data[0] == 0 {
			copy(dst, body)
			return dst, nil
		}
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, terr.NewInvalidInput(context.TODO(), "lz4 decompress: %v", err)
		}
		return dst[:n], nil
	}
	return nil, terr.NewNYI(context.TODO(), "decompress algorithm %d", alg)
}
