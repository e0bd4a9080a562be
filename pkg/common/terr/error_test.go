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

package terr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	ctx := context.TODO()
	cases := []struct {
		err  error
		code uint16
	}{
		{NewInternalError(ctx, "boom"), ErrInternal},
		{NewNYI(ctx, "decimal compare"), ErrNYI},
		{NewOOM(ctx), ErrOOM},
		{NewBadConfig(ctx, "bad %s", "thing"), ErrBadConfig},
		{NewInvalidInput(ctx, "bad row"), ErrInvalidInput},
		{NewInvalidState(ctx, "late split"), ErrInvalidState},
	}
	for _, c := range cases {
		require.Equal(t, c.code, GetCode(c.err), c.err.Error())
		require.True(t, IsErrCode(c.err, c.code))
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := NewOOM(context.TODO())
	wrapped := errors.Wrap(err, "while materializing")
	require.True(t, IsOOM(wrapped))
	require.Equal(t, ErrOOM, GetCode(wrapped))
}

func TestGetCodeOnForeignError(t *testing.T) {
	require.Equal(t, Ok, GetCode(errors.New("plain")))
	require.Equal(t, Ok, GetCode(nil))
	require.False(t, IsErrCode(nil, ErrInternal))
}

func TestMessageFormatting(t *testing.T) {
	err := NewInvalidInput(context.TODO(), "column %d has type %s", 3, "blob")
	require.Contains(t, err.Error(), "column 3 has type blob")
	require.Contains(t, err.Error(), "invalid input")
}
