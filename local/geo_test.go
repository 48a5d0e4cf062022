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

func TestGeoLookupNilIsSafe(t *testing.T) {
	var g *GeoLookup
	if got := g.Country(net.ParseIP("8.8.8.8")); got != "" {
		t.Errorf("nil *GeoLookup.Country = %q, want \"\"", got)
	}
	if err := g.Close(); err != nil {
		t.Errorf("nil *GeoLookup.Close = %v, want nil", err)
	}
}

func TestGeoLookupWithoutDatabaseIsSafe(t *testing.T) {
	g := &GeoLookup{}
	if got := g.Country(net.ParseIP("8.8.8.8")); got != "" {
		t.Errorf("Country with no database = %q, want \"\"", got)
	}
	if got := g.Country(nil); got != "" {
		t.Errorf("Country(nil) = %q, want \"\"", got)
	}
}

func TestOpenGeoLookupMissingFile(t *testing.T) {
	if _, err := OpenGeoLookup("/nonexistent/geolite2-country.mmdb"); err == nil {
		t.Error("OpenGeoLookup with a missing path should return an error")
	}
}
