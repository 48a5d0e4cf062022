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
	"bytes"
	"io"
	"testing"
)

func TestFlowStatCountsReadAndWrite(t *testing.T) {
	fs := &FlowStat{}
	src := bytes.NewReader([]byte("hello world"))
	var dst bytes.Buffer

	r := fs.StatReader(src)
	w := fs.StatWriter(&dst)

	if _, err := io.Copy(w, r); err != nil {
		t.Fatalf("io.Copy: %v", err)
	}
	if fs.RxBytes() != 11 {
		t.Errorf("RxBytes = %d, want 11", fs.RxBytes())
	}
	if fs.TxBytes() != 11 {
		t.Errorf("TxBytes = %d, want 11", fs.TxBytes())
	}
	if dst.String() != "hello world" {
		t.Errorf("got %q", dst.String())
	}
}
