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
	"container/list"
	"net"
	"sync"
)

// Server is one configured upstream Shadowsocks server, resolved and
// ready to dial; the mutable lastTargetIP field records which destination
// IP most recently succeeded through it.
type Server struct {
	Config      ServerConfig
	lastTargetIP net.IP
}

// ServerSelector picks which configured upstream server a new connection
// to a given target address should use, standing in for the
// externally-supplied ping balancer spec §1 scopes out of this module.
type ServerSelector interface {
	// Select returns the server to try first for targetIP, most preferred
	// first, falling back through the rest in recency order.
	Select(targetIP net.IP) []*list.Element
	// ReportSuccess records that e successfully served targetIP, moving
	// it to the front of the recency order and sticking it to targetIP.
	ReportSuccess(e *list.Element, targetIP net.IP)
	// ReportFailure records that e failed to serve a connection, so a
	// ping-balancer-like implementation could demote it; the static
	// ServerList only logs the event (spec §12 supplemented feature).
	ReportFailure(e *list.Element)
}

// ServerList is a thread-safe recency list of Servers supporting
// move-to-front affinity by target IP, adapted from the teacher's
// CipherList (which pins a cipher to a *client* IP for a multi-user
// server). Here it pins a *server* to the target IP it last proxied
// successfully, giving a single-user local proxy with several configured
// upstreams a reasonable default routing policy without a real
// health-probing balancer.
type ServerList struct {
	mu   sync.RWMutex
	list *list.List
}

// NewServerList builds an empty ServerList.
func NewServerList() *ServerList {
	return &ServerList{list: list.New()}
}

// PushBack appends a configured server to the end of the recency list.
func (sl *ServerList) PushBack(cfg ServerConfig) *list.Element {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.list.PushBack(&Server{Config: cfg})
}

func matchesTargetIP(e *list.Element, targetIP net.IP) bool {
	s := e.Value.(*Server)
	return targetIP != nil && targetIP.Equal(s.lastTargetIP)
}

// Select returns every server, with any server previously successful for
// targetIP moved to the front.
func (sl *ServerList) Select(targetIP net.IP) []*list.Element {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	sticky := make([]*list.Element, 0, sl.list.Len())
	rest := make([]*list.Element, 0, sl.list.Len())
	for e := sl.list.Front(); e != nil; e = e.Next() {
		if matchesTargetIP(e, targetIP) {
			sticky = append(sticky, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(sticky, rest...)
}

// ReportSuccess moves e to the front of the recency list and records
// targetIP as its sticky affinity.
func (sl *ServerList) ReportSuccess(e *list.Element, targetIP net.IP) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.list.MoveToFront(e)
	e.Value.(*Server).lastTargetIP = targetIP
}

// ReportFailure logs the failure; a real ping balancer would use this to
// lower the server's health score (spec §12, "sticky server affinity").
func (sl *ServerList) ReportFailure(e *list.Element) {
	log.Warningf("server %s failed to connect", e.Value.(*Server).Config.Name)
}
