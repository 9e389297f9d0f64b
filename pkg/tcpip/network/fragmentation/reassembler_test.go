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

package fragmentation

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type piece struct {
	first, last uint16
	more        bool
}

func TestUpdateHoles(t *testing.T) {
	for _, tc := range []struct {
		name   string
		pieces []piece
		want   []hole
	}{
		{
			name: "empty",
			want: []hole{{first: 0, last: math.MaxUint16}},
		},
		{
			name:   "middle",
			pieces: []piece{{1, 2, true}},
			want: []hole{
				{first: 0, last: math.MaxUint16, deleted: true},
				{first: 0, last: 0},
				{first: 3, last: math.MaxUint16},
			},
		},
		{
			name:   "overlapping pair",
			pieces: []piece{{0, 2, true}, {2, 3, false}},
			want: []hole{
				{first: 0, last: math.MaxUint16, deleted: true},
				{first: 3, last: math.MaxUint16, deleted: true},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newReassembler(FragmentID{}, time.Time{})
			for _, p := range tc.pieces {
				r.updateHoles(p.first, p.last, p.more)
			}
			if diff := cmp.Diff(tc.want, r.holes, cmp.AllowUnexported(hole{})); diff != "" {
				t.Errorf("holes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type input struct {
	first, last uint16
	more        bool
	data        string
}

func TestProcess(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      []input
		want    string
		wantErr error
	}{
		{
			name: "in order",
			in:   []input{{0, 3, true, "abcd"}, {4, 7, false, "efgh"}},
			want: "abcdefgh",
		},
		{
			name: "reverse order",
			in:   []input{{4, 7, false, "efgh"}, {0, 3, true, "abcd"}},
			want: "abcdefgh",
		},
		{
			name: "identical overlap",
			in:   []input{{0, 5, true, "abcdef"}, {4, 7, false, "efgh"}},
			want: "abcdefgh",
		},
		{
			name: "duplicate",
			in:   []input{{0, 3, true, "abcd"}, {0, 3, true, "abcd"}, {4, 5, false, "ef"}},
			want: "abcdef",
		},
		{
			name:    "conflicting overlap",
			in:      []input{{0, 5, true, "abcdef"}, {4, 7, false, "XXgh"}},
			wantErr: ErrFragmentOverlap,
		},
		{
			name:    "two ends",
			in:      []input{{4, 7, false, "efgh"}, {8, 9, false, "ij"}},
			wantErr: ErrFragmentConflict,
		},
		{
			name:    "data past the end",
			in:      []input{{0, 3, false, "abcd"}, {4, 7, true, "efgh"}},
			wantErr: ErrFragmentConflict,
		},
		{
			name:    "end before stored data",
			in:      []input{{4, 7, true, "efgh"}, {0, 3, false, "abcd"}},
			wantErr: ErrFragmentConflict,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newReassembler(FragmentID{}, time.Time{})
			var (
				got  *Fragment
				done bool
				err  error
			)
			for i, in := range tc.in {
				if done {
					t.Fatalf("fragment %d arrived after completion", i)
				}
				got, done, _, err = r.process(in.first, in.last, in.more, []byte("hdr"), []byte(in.data))
				if err != nil {
					break
				}
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("process() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if !done {
				t.Fatalf("datagram not complete after %d fragments", len(tc.in))
			}
			if diff := cmp.Diff(tc.want, string(got.Data)); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff("hdr", string(got.Header)); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReassemblerMemory(t *testing.T) {
	r := newReassembler(FragmentID{}, time.Time{})
	if _, _, n, err := r.process(0, 3, true, nil, []byte("abcd")); err != nil || n != 4 {
		t.Fatalf("process = %d, %v, want 4, nil", n, err)
	}
	// A fragment that fills no hole is not stored.
	if _, _, n, err := r.process(1, 2, true, nil, []byte("bc")); err != nil || n != 0 {
		t.Fatalf("process of a covered fragment = %d, %v, want 0, nil", n, err)
	}
	if f := r.firstFragment(); f == nil || string(f.Data) != "abcd" {
		t.Errorf("firstFragment() = %v, want the fragment at offset 0", f)
	}
	if got := r.markDone(); got != 4 {
		t.Errorf("markDone() = %d, want 4", got)
	}
	if got := r.markDone(); got != 0 {
		t.Errorf("second markDone() = %d, want 0", got)
	}
	if f, done, _, err := r.process(4, 5, false, nil, []byte("ef")); f != nil || done || err != nil {
		t.Errorf("process after markDone = %v, %t, %v, want nothing", f, done, err)
	}
}
