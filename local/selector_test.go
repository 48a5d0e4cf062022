// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package local

import (
	"net"
	"testing"
)

func TestServerListStickyByTargetIP(t *testing.T) {
	sl := NewServerList()
	a := sl.PushBack(ServerConfig{Name: "a"})
	b := sl.PushBack(ServerConfig{Name: "b"})

	target := net.ParseIP("1.2.3.4")
	sl.ReportSuccess(b, target)

	elems := sl.Select(target)
	if len(elems) != 2 {
		t.Fatalf("got %d elements, want 2", len(elems))
	}
	if elems[0] != b {
		t.Error("the server that last succeeded for target should be selected first")
	}
	if elems[1] != a {
		t.Error("the other server should still appear, second")
	}
}

func TestServerListNoAffinityFallsBackToOrder(t *testing.T) {
	sl := NewServerList()
	a := sl.PushBack(ServerConfig{Name: "a"})
	b := sl.PushBack(ServerConfig{Name: "b"})

	elems := sl.Select(net.ParseIP("9.9.9.9"))
	if len(elems) != 2 || elems[0] != a || elems[1] != b {
		t.Error("with no sticky affinity, servers should come back in push order")
	}
}

func TestServerListReportFailureDoesNotPanic(t *testing.T) {
	sl := NewServerList()
	a := sl.PushBack(ServerConfig{Name: "a"})
	sl.ReportFailure(a) // must not panic; failure handling here is logging-only
}
