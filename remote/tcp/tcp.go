// Copyright (C) 2024-2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package tcp provides TCP peer-to-peer remote-commit transport.
//
// URL forms:
//
//	tcp://<listen>?peers=<host:port>,<host:port>
//	tcp://<listen>?discovery=<name>&<discovery parameters>
//
// Every provider listens for events and sends each broadcast to all peers.
// On the wire an event is a frame of 4-byte big-endian length followed by
// the msgpack-encoded event.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/remote"
)

// MaxFrame limits size of one received event.
const MaxFrame = 16 << 20

// Provider is TCP remote-commit provider.
type Provider struct {
	url   string
	l     net.Listener
	peers remote.Discovery
	rx    *remote.Receiver

	mu      sync.Mutex
	out     map[string]*peerConn // peer address -> outgoing connection
	in      map[net.Conn]struct{}
	closed  bool
	serveWg sync.WaitGroup
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func openURL(ctx context.Context, u *url.URL, opt *remote.OpenOptions) (_ remote.Provider, err error) {
	defer xerr.Contextf(&err, "tcp: open %s", u)

	params := u.Query()
	var peers remote.Discovery
	switch {
	case params.Get("peers") != "" && params.Get("discovery") != "":
		return nil, errors.New("peers and discovery are mutually exclusive")
	case params.Get("peers") != "":
		peers = remote.StaticPeers(strings.Split(params.Get("peers"), ","))
	case params.Get("discovery") != "":
		peers, err = remote.OpenDiscovery(ctx, params.Get("discovery"), params)
		if err != nil {
			return nil, err
		}
	default:
		peers = remote.StaticPeers(nil)
	}

	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	p := New(l, peers, opt)
	p.url = u.String()
	return p, nil
}

// New returns provider receiving events on l and broadcasting them to peers.
//
// The provider owns l and closes it on Close.
func New(l net.Listener, peers remote.Discovery, opt *remote.OpenOptions) *Provider {
	p := &Provider{
		url:   "tcp://" + l.Addr().String(),
		l:     l,
		peers: peers,
		rx:    remote.NewReceiver(opt),
		out:   map[string]*peerConn{},
		in:    map[net.Conn]struct{}{},
	}
	p.serveWg.Add(1)
	go p.serve()
	return p
}

func (p *Provider) URL() string { return p.url }

// Addr returns address p listens on.
func (p *Provider) Addr() net.Addr { return p.l.Addr() }

func (p *Provider) serve() {
	defer p.serveWg.Done()
	ctx := context.Background()
	for {
		conn, err := p.l.Accept()
		if err != nil {
			select {
			case <-p.rx.Down():
			default:
				log.Errorf(ctx, "%s: accept: %s", p.url, err)
			}
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.in[conn] = struct{}{}
		p.mu.Unlock()

		p.serveWg.Add(1)
		go p.handle(conn)
	}
}

// handle receives events from one incoming connection.
func (p *Provider) handle(conn net.Conn) {
	defer p.serveWg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.in, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	ctx := context.Background()
	for {
		ev, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				select {
				case <-p.rx.Down():
				default:
					log.Warningf(ctx, "%s: recv from %s: %s", p.url, conn.RemoteAddr(), err)
				}
			}
			return
		}
		if !p.rx.Deliver(ev) {
			select {
			case <-p.rx.Down():
				return
			default:
			}
		}
	}
}

// Broadcast sends ev to every peer. Errors of individual peers are merged.
func (p *Provider) Broadcast(ctx context.Context, ev *remote.CommitEvent) error {
	addrv, err := p.peers.Peers(ctx)
	if err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	var wg sync.WaitGroup
	errv := make([]error, len(addrv))
	for i, addr := range addrv {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			errv[i] = p.send(ctx, addr, frame)
		}(i, addr)
	}
	wg.Wait()
	return xerr.Merge(errv...)
}

// send writes frame to addr, reconnecting once if the cached connection broke.
func (p *Provider) send(ctx context.Context, addr string, frame []byte) (err error) {
	defer xerr.Contextf(&err, "send to %s", addr)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("provider is closed")
	}
	pc := p.out[addr]
	if pc == nil {
		pc = &peerConn{}
		p.out[addr] = pc
	}
	p.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if pc.conn == nil {
			var d net.Dialer
			pc.conn, err = d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
		}
		deadline, _ := ctx.Deadline()
		pc.conn.SetWriteDeadline(deadline)
		_, err = pc.conn.Write(frame)
		if err == nil {
			return nil
		}
		pc.conn.Close()
		pc.conn = nil
		if attempt > 0 || ctx.Err() != nil {
			return err
		}
	}
}

// ReadFrame reads one framed event from r.
func ReadFrame(r io.Reader) (*remote.CommitEvent, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("frame too large: %d", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return remote.DecodeEvent(data)
}

// WriteFrame writes ev to w as one frame.
func WriteFrame(w io.Writer, ev *remote.CommitEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (p *Provider) Close() error {
	p.rx.Shutdown()
	p.mu.Lock()
	p.closed = true
	var errv []error
	for _, pc := range p.out {
		pc.mu.Lock()
		if pc.conn != nil {
			errv = append(errv, pc.conn.Close())
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
	for conn := range p.in {
		conn.Close()
	}
	p.mu.Unlock()

	errv = append(errv, p.l.Close())
	p.serveWg.Wait()
	return xerr.Merge(errv...)
}

func init() {
	remote.RegisterProvider("tcp", openURL)
}
