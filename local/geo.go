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

	"github.com/oschwald/geoip2-golang"
)

// GeoLookup tags a destination IP with its country, for diagnostics
// (SPEC_FULL.md §11: optional destination-country tagging).
// It is entirely optional: a nil *GeoLookup (or one built over a missing
// database) degrades to reporting "" rather than failing connections.
type GeoLookup struct {
	db *geoip2.Reader
}

// OpenGeoLookup opens a MaxMind GeoLite2-Country database file. Callers
// that don't configure one simply skip this and pass a nil *GeoLookup
// around; every method below tolerates that.
func OpenGeoLookup(path string) (*GeoLookup, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoLookup{db: db}, nil
}

// Close releases the underlying database file.
func (g *GeoLookup) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Country returns the ISO country code for ip, or "" if unknown, lookup
// failed, or g is nil.
func (g *GeoLookup) Country(ip net.IP) string {
	if g == nil || g.db == nil || ip == nil {
		return ""
	}
	record, err := g.db.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}
