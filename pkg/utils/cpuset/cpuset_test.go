// Copyright 2024 Intel Corporation. All Rights Reserved.
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

package cpuset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMask(t *testing.T) {
	cset := New(0, 3, 9, 63)
	mask := Mask(cset, 8)
	require.Equal(t, []byte{0x09, 0x02, 0, 0, 0, 0, 0, 0x80}, mask)
	require.True(t, FromMask(mask).Equals(cset))

	require.True(t, FromMask(Mask(New(1, 64), 8)).Equals(New(1)), "cores past the mask are dropped")
	require.True(t, FromMask(nil).IsEmpty())
}

func TestShort(t *testing.T) {
	tcases := []struct {
		cset     string
		expected string
	}{
		{cset: "", expected: ""},
		{cset: "5", expected: "5"},
		{cset: "0-3", expected: "0-3"},
		{cset: "1,2", expected: "1,2"},
		{cset: "0,2,4,6", expected: "0-6:2"},
		{cset: "0-3,8", expected: "0-3,8"},
		{cset: "0,4,8,9,10", expected: "0-8:4,9,10"},
	}
	for _, tc := range tcases {
		if got := Short(MustParse(tc.cset)); got != tc.expected {
			t.Errorf("Short(%q): expected %q, got %q", tc.cset, tc.expected, got)
		}
	}
}
