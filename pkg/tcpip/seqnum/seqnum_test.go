// Copyright 2026 The gVisor Authors.
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

package seqnum

import "testing"

func TestWraparound(t *testing.T) {
	for _, tc := range []struct {
		v, w Value
		less bool
	}{
		{v: 1, w: 2, less: true},
		{v: 2, w: 1, less: false},
		{v: 0xfffffff0, w: 0x10, less: true},
		{v: 0x10, w: 0xfffffff0, less: false},
		{v: 5, w: 5, less: false},
	} {
		if got := tc.v.LessThan(tc.w); got != tc.less {
			t.Errorf("%#x.LessThan(%#x) = %t, want %t", tc.v, tc.w, got, tc.less)
		}
	}
}

func TestInWindow(t *testing.T) {
	first := Value(0xfffffff0)
	for _, tc := range []struct {
		v    Value
		want bool
	}{
		{first, true},
		{first.Add(15), true},
		{0x0f, true},
		{0x10, false},
		{first - 1, false},
	} {
		if got := tc.v.InWindow(first, 0x20); got != tc.want {
			t.Errorf("%#x.InWindow(%#x, 0x20) = %t, want %t", tc.v, first, got, tc.want)
		}
	}
}

func TestSizeAndOverlap(t *testing.T) {
	if got := Value(0xfffffffe).Size(2); got != 4 {
		t.Errorf("Size across wrap = %d, want 4", got)
	}
	if !Overlap(10, 10, 19, 5) {
		t.Errorf("Overlap(10,10,19,5) = false")
	}
	if Overlap(10, 10, 20, 5) {
		t.Errorf("Overlap(10,10,20,5) = true")
	}
	if got := Max(0xffffffff, 3); got != 3 {
		t.Errorf("Max across wrap = %#x, want 3", got)
	}
}
