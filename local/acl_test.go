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

	"github.com/yewenyu/sslocal-go/shadowsocks"
)

func TestStaticACLBypassesCIDR(t *testing.T) {
	acl, err := NewStaticACL([]string{"192.168.0.0/16"}, nil)
	if err != nil {
		t.Fatalf("NewStaticACL: %v", err)
	}
	bypassed := shadowsocks.Address{IP: net.ParseIP("192.168.1.1"), Port: 80}
	proxied := shadowsocks.Address{IP: net.ParseIP("8.8.8.8"), Port: 80}

	if !acl.IsBypassed(bypassed) {
		t.Error("192.168.1.1 should be bypassed")
	}
	if acl.IsBypassed(proxied) {
		t.Error("8.8.8.8 should not be bypassed")
	}
}

func TestStaticACLBypassesDomainSuffix(t *testing.T) {
	acl, err := NewStaticACL(nil, []string{".lan", ".local"})
	if err != nil {
		t.Fatalf("NewStaticACL: %v", err)
	}
	if !acl.IsBypassed(shadowsocks.Address{Domain: "printer.lan", Port: 80}) {
		t.Error("printer.lan should be bypassed")
	}
	if acl.IsBypassed(shadowsocks.Address{Domain: "example.com", Port: 80}) {
		t.Error("example.com should not be bypassed")
	}
}

func TestStaticACLLearnsFromDNSAnswer(t *testing.T) {
	acl, err := NewStaticACL(nil, []string{".lan"})
	if err != nil {
		t.Fatalf("NewStaticACL: %v", err)
	}
	target := shadowsocks.Address{IP: net.ParseIP("10.0.0.5"), Port: 443}
	if acl.IsBypassed(target) {
		t.Fatal("10.0.0.5 should not be bypassed before any DNS answer is learned")
	}

	msg := buildDNSResponse(t, "printer.lan", net.ParseIP("10.0.0.5").To4())
	acl.CheckDNSMessage(msg)

	if !acl.IsBypassed(target) {
		t.Error("10.0.0.5 should be bypassed after resolving a bypassed domain to it")
	}
}

// buildDNSResponse builds a minimal single-question, single-A-record DNS
// response message for question, resolving to ip.
func buildDNSResponse(t *testing.T, question string, ip net.IP) []byte {
	t.Helper()
	msg := make([]byte, 12)
	msg[4] = 0
	msg[5] = 1 // QDCOUNT=1
	msg[6] = 0
	msg[7] = 1 // ANCOUNT=1

	for _, label := range splitDomain(question) {
		msg = append(msg, byte(len(label)))
		msg = append(msg, label...)
	}
	msg = append(msg, 0) // root label
	msg = append(msg, 0, 1)  // QTYPE A
	msg = append(msg, 0, 1)  // QCLASS IN

	for _, label := range splitDomain(question) {
		msg = append(msg, byte(len(label)))
		msg = append(msg, label...)
	}
	msg = append(msg, 0)
	msg = append(msg, 0, 1) // TYPE A
	msg = append(msg, 0, 1) // CLASS IN
	msg = append(msg, 0, 0, 0, 60) // TTL
	msg = append(msg, 0, 4)        // RDLENGTH
	msg = append(msg, ip...)
	return msg
}

func splitDomain(domain string) []string {
	var labels []string
	start := 0
	for i := 0; i <= len(domain); i++ {
		if i == len(domain) || domain[i] == '.' {
			labels = append(labels, domain[start:i])
			start = i + 1
		}
	}
	return labels
}
