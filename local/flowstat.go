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
	"io"
	"net"
	"sync/atomic"

	"github.com/yewenyu/sslocal-go/metrics"
)

// FlowStat wraps a connection's reader/writer with atomic tx/rx byte
// counters (spec §4.6), so the relay copier can report traffic volume
// without its own bookkeeping. Safe for concurrent Read/Write from the
// two relay-copier goroutines a single connection normally has. When built
// with NewFlowStat, it also feeds the same byte counts into the process's
// Prometheus totals.
type FlowStat struct {
	txBytes int64
	rxBytes int64
	metrics *metrics.Metrics
}

// NewFlowStat builds a FlowStat that additionally feeds every counted byte
// into m's TxBytes/RxBytes counters. m may be nil, in which case FlowStat
// behaves exactly like the zero value (local counters only).
func NewFlowStat(m *metrics.Metrics) *FlowStat {
	return &FlowStat{metrics: m}
}

// TxBytes returns the number of bytes written through StatWriter so far.
func (fs *FlowStat) TxBytes() int64 { return atomic.LoadInt64(&fs.txBytes) }

// RxBytes returns the number of bytes read through StatReader so far.
func (fs *FlowStat) RxBytes() int64 { return atomic.LoadInt64(&fs.rxBytes) }

// StatReader wraps r, counting every byte read into fs.RxBytes.
func (fs *FlowStat) StatReader(r io.Reader) io.Reader {
	return &statReader{r: r, fs: fs}
}

// StatWriter wraps w, counting every byte written into fs.TxBytes.
func (fs *FlowStat) StatWriter(w io.Writer) io.Writer {
	return &statWriter{w: w, fs: fs}
}

type statReader struct {
	r  io.Reader
	fs *FlowStat
}

func (sr *statReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if n > 0 {
		atomic.AddInt64(&sr.fs.rxBytes, int64(n))
		if sr.fs.metrics != nil {
			sr.fs.metrics.RxBytes.Add(float64(n))
		}
	}
	return n, err
}

// WriteTo forwards to the wrapped reader's WriteTo when available, so a
// relay copier using io.Copy still gets the zero-copy ReadFrom/WriteTo
// fast path (spec §4.7) while this wrapper keeps counting.
func (sr *statReader) WriteTo(w io.Writer) (int64, error) {
	wt, ok := sr.r.(io.WriterTo)
	if !ok {
		return io.Copy(w, struct{ io.Reader }{sr})
	}
	n, err := wt.WriteTo(w)
	if n > 0 {
		atomic.AddInt64(&sr.fs.rxBytes, n)
		if sr.fs.metrics != nil {
			sr.fs.metrics.RxBytes.Add(float64(n))
		}
	}
	return n, err
}

type statWriter struct {
	w  io.Writer
	fs *FlowStat
}

func (sw *statWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	if n > 0 {
		atomic.AddInt64(&sw.fs.txBytes, int64(n))
		if sw.fs.metrics != nil {
			sw.fs.metrics.TxBytes.Add(float64(n))
		}
	}
	return n, err
}

// ReadFrom forwards to the wrapped writer's ReadFrom when available, for
// the same zero-copy reason as statReader.WriteTo.
func (sw *statWriter) ReadFrom(r io.Reader) (int64, error) {
	rf, ok := sw.w.(io.ReaderFrom)
	if !ok {
		n, err := io.Copy(struct{ io.Writer }{sw}, r)
		return n, err
	}
	n, err := rf.ReadFrom(r)
	if n > 0 {
		atomic.AddInt64(&sw.fs.txBytes, n)
		if sw.fs.metrics != nil {
			sw.fs.metrics.TxBytes.Add(float64(n))
		}
	}
	return n, err
}

// statConn wraps a net.Conn so its Read/Write go through a FlowStat's
// counters. Embedding net.Conn (an interface value) only promotes methods
// the net.Conn interface itself declares, so CloseWrite — which concrete
// TCP connections support but net.Conn doesn't declare — has to be
// re-implemented explicitly via a type assertion on the wrapped value,
// the same pattern CryptoStream.CloseWrite uses.
type statConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

func (sc *statConn) Read(p []byte) (int, error)  { return sc.r.Read(p) }
func (sc *statConn) Write(p []byte) (int, error) { return sc.w.Write(p) }

func (sc *statConn) CloseWrite() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := sc.Conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return sc.Conn.Close()
}

// CloseRead passes through for the same reason as CloseWrite.
func (sc *statConn) CloseRead() error {
	type readCloser interface {
		CloseRead() error
	}
	if rc, ok := sc.Conn.(readCloser); ok {
		return rc.CloseRead()
	}
	return sc.Conn.Close()
}

// SetNoDelay passes through to the wrapped connection, for the same
// embedding-doesn't-promote-undeclared-methods reason as CloseWrite —
// net.Conn doesn't declare SetNoDelay, so CryptoStream.SetNodelay's type
// assertion on this wrapper would otherwise silently see nothing to call.
func (sc *statConn) SetNoDelay(enable bool) error {
	type nodelaySetter interface {
		SetNoDelay(bool) error
	}
	if nd, ok := sc.Conn.(nodelaySetter); ok {
		return nd.SetNoDelay(enable)
	}
	return nil
}

// WrapConn returns conn wrapped so every byte read or written through it is
// counted by fs, ahead of the crypto layer being built on top (spec §4.3
// step 2, §4.6).
func (fs *FlowStat) WrapConn(conn net.Conn) net.Conn {
	return &statConn{Conn: conn, r: fs.StatReader(conn), w: fs.StatWriter(conn)}
}
