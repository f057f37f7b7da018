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


// Ormrelay - forward remote commit events between TCP peers

package ormtools

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/internal/metrics"
	"lab.nexedi.com/nexedi/persist/internal/task"
	"lab.nexedi.com/nexedi/persist/remote"
	"lab.nexedi.com/nexedi/persist/remote/tcp"
)

// frameMatch tells whether incoming stream starts like a commit event frame.
func frameMatch(r io.Reader) bool {
	var b [4]byte
	n, _ := io.ReadFull(r, b[:])
	if n < 4 {
		return false
	}
	size := binary.BigEndian.Uint32(b[:])
	return size > 0 && size <= tcp.MaxFrame
}

// Relay receives commit events on l and forwards them to peers.
//
// Connections to l are multiplexed: commit event frames go to the relay,
// HTTP requests are served with /metrics. Relay returns nil after ctx is
// canceled. l is closed on return.
func Relay(ctx context.Context, l net.Listener, peers remote.Discovery) (err error) {
	parent := ctx
	defer task.Runningf(&ctx, "relay %s", l.Addr())(&err)

	mux := cmux.New(l)
	frameL := mux.Match(frameMatch)
	httpL := mux.Match(cmux.HTTP1())

	evq := make(chan *remote.CommitEvent)
	p := tcp.New(frameL, peers, &remote.OpenOptions{Source: "relay", Notifyq: evq})

	hmux := http.NewServeMux()
	hmux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: hmux}

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return mux.Serve()
	})

	wg.Go(func() error {
		return srv.Serve(httpL)
	})

	wg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case ev := <-evq:
				bctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
				err := p.Broadcast(bctx, ev)
				cancel()
				if err != nil {
					log.Warningf(ctx, "forward %s: %s", ev, err)
				}
			}
		}
	})

	wg.Go(func() error {
		<-ctx.Done()
		for _, c := range []io.Closer{p, srv, l} {
			err := c.Close()
			if err != nil && !errors.Is(err, net.ErrClosed) {
				log.Warning(ctx, err)
			}
		}
		return ctx.Err()
	})

	err = wg.Wait()
	if parent.Err() != nil {
		return nil
	}
	return err
}

// ----------------------------------------

const relaySummary = "forward remote commit events between TCP peers"

func relayUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: orm relay [OPTIONS] <peer>...
Receive commit events from TCP remote-commit providers and forward them to
every <peer> (host:port). Units of different networks can thus share one
relay as their only peer.

The listening port also serves Prometheus metrics over HTTP at /metrics.

Options:

    -listen addr    address to listen on (default :7000)
    -h --help       this help text.
`)
}

func relayMain(argv []string) {
	laddr := ":7000"
	flags := flag.FlagSet{Usage: func() { relayUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.StringVar(&laddr, "listen", laddr, "address to listen on")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 {
		flags.Usage()
		prog.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	l, err := net.Listen("tcp", laddr)
	if err != nil {
		prog.Fatal(err)
	}
	log.Infof(ctx, "listening at %s ...", l.Addr())

	err = Relay(ctx, l, remote.StaticPeers(argv))
	if err != nil {
		prog.Fatal(err)
	}
}
