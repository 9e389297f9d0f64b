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

//go:build !linux

package cmd

import (
	"context"
	"errors"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

var errNoTUN = errors.New("TUN interfaces are only supported on linux")

func openTUN(context.Context, string, uint32, func(*tcpip.Error)) (stack.LinkEndpoint, func(), error) {
	return nil, nil, errNoTUN
}

func configureHost(string, uint32, []string) error {
	return errNoTUN
}
