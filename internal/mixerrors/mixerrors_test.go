/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end
package mixerrors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel *Error
		others   []*Error
	}{
		{
			name:     "config error",
			err:      ConfigErr("Config.Validate", fmt.Errorf("bad overlap")),
			sentinel: Config,
			others:   []*Error{Key, Build},
		},
		{
			name:     "key error",
			err:      KeyErr("KeySet.CheckKeys", fs.ErrNotExist),
			sentinel: Key,
			others:   []*Error{Descriptor},
		},
		{
			name:     "descriptor error",
			err:      DescriptorErr("descriptor.Parse", fmt.Errorf("incomplete")),
			sentinel: Descriptor,
			others:   []*Error{Key},
		},
		{
			name:     "build error",
			err:      BuildErr("Builder.Build", fmt.Errorf("no ip")),
			sentinel: Build,
			others:   []*Error{Publish},
		},
		{
			name:     "publish error",
			err:      PublishErr("Publisher.Publish", fmt.Errorf("http 500")),
			sentinel: Publish,
			others:   []*Error{Rejected},
		},
		{
			name:     "rejection",
			err:      Reject("Publisher.Publish", "dup"),
			sentinel: Rejected,
			others:   []*Error{Publish},
		},
		{
			name:     "tls error",
			err:      TLSErr("tlscontext.Build", fmt.Errorf("sign failed")),
			sentinel: TLS,
			others:   []*Error{Key},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			for _, other := range tt.others {
				assert.False(t, errors.Is(tt.err, other))
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := KeyErr("KeySet.Load", fs.ErrNotExist)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestError_Message(t *testing.T) {
	err := KeyErr("KeySet.Load", fmt.Errorf("read mix.key: gone"))

	var merr *Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "KeySet.Load", merr.Op)
	assert.Equal(t, KindKey, merr.Kind)
	assert.Contains(t, err.Error(), "KeySet.Load")
	assert.Contains(t, err.Error(), "read mix.key")
}
