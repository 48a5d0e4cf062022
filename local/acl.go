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
	"strings"
	"sync"

	"github.com/yewenyu/sslocal-go/shadowsocks"
)

// ACL decides whether a target address should bypass the proxy and go out
// directly, and cooperates with the in-band DNS sniffer (spec §4.5) by
// inspecting sniffed DNS answers for bypass-worthy IPs.
type ACL interface {
	// IsBypassed reports whether addr should be dialed directly instead
	// of through an upstream Shadowsocks server.
	IsBypassed(addr shadowsocks.Address) bool
	// CheckDNSMessage inspects a raw DNS message AutoProxyStream sniffed
	// off the wire and folds any bypass-worthy answer IPs into the ACL,
	// so future connections to those IPs bypass the proxy too (spec §4.5).
	// It reports whether the message was answered locally (handled): a
	// caller that gets true should discard everything it has buffered for
	// this message rather than retain it.
	CheckDNSMessage(msg []byte) bool
}

// StaticACL is a minimal concrete ACL: a fixed list of CIDR blocks and
// domain suffixes to bypass, plus IPs learned from sniffed DNS answers
// that resolved a bypassed domain. Not a production policy engine —
// spec §1 scopes ACL policy itself out; this exists to make the core
// testable end-to-end.
type StaticACL struct {
	mu      sync.RWMutex
	cidrs   []*net.IPNet
	domains []string
	learnedIPs map[string]bool
}

// NewStaticACL builds a StaticACL bypassing the given CIDR blocks (e.g.
// "192.168.0.0/16") and domain suffixes (e.g. ".lan").
func NewStaticACL(cidrs []string, domainSuffixes []string) (*StaticACL, error) {
	acl := &StaticACL{domains: domainSuffixes, learnedIPs: make(map[string]bool)}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		acl.cidrs = append(acl.cidrs, ipnet)
	}
	return acl, nil
}

func (a *StaticACL) IsBypassed(addr shadowsocks.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if addr.IP != nil {
		if a.learnedIPs[addr.IP.String()] {
			return true
		}
		for _, ipnet := range a.cidrs {
			if ipnet.Contains(addr.IP) {
				return true
			}
		}
		return false
	}
	for _, suffix := range a.domains {
		if strings.HasSuffix(addr.Domain, suffix) {
			return true
		}
	}
	return false
}

// CheckDNSMessage parses msg as a DNS message and, if its question names a
// bypassed domain, records every answer A/AAAA record's IP as bypassed
// too — so the subsequent data connection to that resolved IP also
// bypasses the proxy (spec §4.5). It returns true once the message has
// been parsed and its question names a bypassed domain (its answer IPs are
// then folded into the learned-IP set), signaling the caller to drop its
// buffered copy; it returns false on a parse failure or a question that
// does not name a bypassed domain.
func (a *StaticACL) CheckDNSMessage(msg []byte) bool {
	q, answers, ok := parseDNSAnswerIPs(msg)
	if !ok {
		return false
	}
	if !a.isBypassedDomain(q) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ip := range answers {
		a.learnedIPs[ip.String()] = true
	}
	return true
}

func (a *StaticACL) isBypassedDomain(domain string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, suffix := range a.domains {
		if strings.HasSuffix(domain, suffix) {
			return true
		}
	}
	return false
}
