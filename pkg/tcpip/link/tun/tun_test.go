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

//go:build linux

package tun

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenRejectsLongName(t *testing.T) {
	if _, err := Open(strings.Repeat("x", unix.IFNAMSIZ)); err == nil {
		t.Error("Open with an over-long name succeeded")
	}
}

func TestOpen(t *testing.T) {
	fd, err := Open("netengine%d")
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES) {
		t.Skipf("TUN unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer unix.Close(fd)
	name, err := Name(fd)
	if err != nil {
		t.Fatalf("Name failed: %v", err)
	}
	if !strings.HasPrefix(name, "netengine") {
		t.Errorf("Name() = %q, want a netengine interface", name)
	}
}
