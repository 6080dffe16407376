// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_NormalizesKey(t *testing.T) {
	u, err := Parse(" 6F9619FF-8B86-D011-B42D-00C04FC964FF ", "Steve")
	require.NoError(t, err)
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", u.Key())
	assert.Equal(t, "Steve(6f9619ff-8b86-d011-b42d-00c04fc964ff)", u.String())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not-a-uuid", "x")
	require.Error(t, err)
}
