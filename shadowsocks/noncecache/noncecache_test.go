// Copyright 2020 Jigsaw Operations LLC
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

package noncecache

import (
	"crypto/rand"
	"testing"
)

func randomNonce(t *testing.T) [NonceLen]byte {
	t.Helper()
	var n [NonceLen]byte
	if _, err := rand.Read(n[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return n
}

func TestCacheRejectsReplay(t *testing.T) {
	c := New(1000)
	nonce := randomNonce(t)

	added, err := c.Add(nonce)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("first Add of a fresh nonce must report added=true")
	}

	added, err = c.Add(nonce)
	if err != nil {
		t.Fatalf("Add (replay): %v", err)
	}
	if added {
		t.Error("replaying the same nonce must report added=false")
	}
}

func TestCacheDistinguishesNonces(t *testing.T) {
	c := New(1000)
	a := randomNonce(t)
	b := randomNonce(t)

	if added, err := c.Add(a); err != nil || !added {
		t.Fatalf("Add(a) = %v, %v", added, err)
	}
	if added, err := c.Add(b); err != nil || !added {
		t.Fatalf("Add(b) = %v, %v", added, err)
	}
}

func TestNilCacheAlwaysNew(t *testing.T) {
	var c *Cache
	added, err := c.Add(randomNonce(t))
	if err != nil {
		t.Fatalf("Add on nil cache: %v", err)
	}
	if !added {
		t.Error("a nil Cache must report every nonce as new (replay checking disabled)")
	}
}

func TestCacheRotatesPastCapacity(t *testing.T) {
	c := New(8)
	for i := 0; i < 64; i++ {
		nonce := randomNonce(t)
		if _, err := c.Add(nonce); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
		if added, err := c.Add(nonce); err != nil || added {
			t.Fatalf("Add #%d replay = %v, %v", i, added, err)
		}
	}
}
