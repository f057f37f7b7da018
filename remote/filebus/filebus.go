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

// Package filebus provides remote-commit transport over a spool directory
// shared by the processes, e.g. on one host or on a shared volume.
//
//	file:///path/to/spool[?retain=10m]
//
// Every broadcast event becomes one file <rev>-<seq>.ev, created by
// rename so that readers never see a partial event. Directory changes are
// watched with fsnotify; the directory is also rescanned periodically in
// case notifications get lost. Event files older than retain (default 10
// minutes) are removed by the broadcasting processes.
package filebus

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/internal/log"
	"lab.nexedi.com/nexedi/persist/remote"
)

const (
	suffix        = ".ev"
	defaultRetain = 10 * time.Minute
	rescanEvery   = time.Second
)

// Provider is spool-directory remote-commit provider.
type Provider struct {
	url    string
	dir    string
	retain time.Duration
	rx     *remote.Receiver
	seq    uint64 // atomic; distinguishes events of one revision

	seenMu sync.Mutex
	seen   map[string]bool // event files already delivered

	watchWg sync.WaitGroup
}

func openURL(ctx context.Context, u *url.URL, opt *remote.OpenOptions) (_ remote.Provider, err error) {
	defer xerr.Contextf(&err, "filebus: open %s", u)

	retain := defaultRetain
	if s := u.Query().Get("retain"); s != "" {
		retain, err = time.ParseDuration(s)
		if err != nil {
			return nil, err
		}
	}
	return Open(u.Host+u.Path, retain, opt)
}

// Open returns provider over spool directory dir, creating it if needed.
//
// Events already present in dir are not delivered.
func Open(dir string, retain time.Duration, opt *remote.OpenOptions) (*Provider, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	p := &Provider{
		url:    "file://" + dir,
		dir:    dir,
		retain: retain,
		rx:     remote.NewReceiver(opt),
		seen:   map[string]bool{},
	}

	// whatever is there now happened before us
	namev, err := p.list()
	if err != nil {
		w.Close()
		return nil, err
	}
	for _, name := range namev {
		p.seen[name] = true
	}

	p.watchWg.Add(1)
	go p.watcher(w)
	return p, nil
}

func (p *Provider) URL() string { return p.url }

// list returns names of event files in the spool, sorted by revision.
func (p *Provider) list() ([]string, error) {
	entryv, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	var namev []string
	for _, e := range entryv {
		if strings.HasSuffix(e.Name(), suffix) {
			namev = append(namev, e.Name())
		}
	}
	sort.Strings(namev)
	return namev, nil
}

func (p *Provider) watcher(w *fsnotify.Watcher) {
	defer p.watchWg.Done()
	defer w.Close()
	ctx := context.Background()

	tick := time.NewTicker(rescanEvery)
	defer tick.Stop()

	for {
		select {
		case <-p.rx.Down():
			return

		case err := <-w.Errors:
			if err != fsnotify.ErrEventOverflow {
				log.Errorf(ctx, "%s: watch: %s", p.url, err)
			}
			// rescan on the next tick

		case ev := <-w.Events:
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, suffix) {
				continue
			}
			p.deliver(ctx, filepath.Base(ev.Name))

		case <-tick.C:
			namev, err := p.list()
			if err != nil {
				log.Errorf(ctx, "%s: rescan: %s", p.url, err)
				continue
			}
			for _, name := range namev {
				p.deliver(ctx, name)
			}
			p.forget(namev)
		}
	}
}

// deliver reads event file name and delivers it unless already seen.
func (p *Provider) deliver(ctx context.Context, name string) {
	p.seenMu.Lock()
	if p.seen[name] {
		p.seenMu.Unlock()
		return
	}
	p.seen[name] = true
	p.seenMu.Unlock()

	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		// removed by its producer after retain
		if !os.IsNotExist(errors.Cause(err)) {
			log.Warningf(ctx, "%s: %s", p.url, err)
		}
		return
	}
	ev, err := remote.DecodeEvent(data)
	if err != nil {
		log.Warningf(ctx, "%s: %s: %s", p.url, name, err)
		return
	}
	p.rx.Deliver(ev)
}

// forget drops seen marks of files no longer in the spool.
func (p *Provider) forget(present []string) {
	keep := make(map[string]bool, len(present))
	for _, name := range present {
		keep[name] = true
	}
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	for name := range p.seen {
		if !keep[name] {
			delete(p.seen, name)
		}
	}
}

// Broadcast writes ev into the spool and removes expired event files.
func (p *Provider) Broadcast(ctx context.Context, ev *remote.CommitEvent) (err error) {
	defer xerr.Contextf(&err, "%s: broadcast", p.url)

	data, err := ev.Encode()
	if err != nil {
		return err
	}
	seq := atomic.AddUint64(&p.seq, 1)
	name := fmt.Sprintf("%s-%d-%d%s", ev.Rev, os.Getpid(), seq, suffix)

	// own events are delivered to nobody here
	p.seenMu.Lock()
	p.seen[name] = true
	p.seenMu.Unlock()

	tmp, err := os.CreateTemp(p.dir, ".tmp-")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	err = xerr.First(err, tmp.Close())
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(p.dir, name))
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}

	p.expire(ctx)
	return nil
}

// expire removes event files older than retain.
func (p *Provider) expire(ctx context.Context) {
	cut := remote.TidFromTime(time.Now().Add(-p.retain)).String()
	namev, err := p.list()
	if err != nil {
		log.Warningf(ctx, "%s: expire: %s", p.url, err)
		return
	}
	for _, name := range namev {
		// names start with the revision: lexical order is revision order
		if name >= cut {
			break
		}
		err := os.Remove(filepath.Join(p.dir, name))
		if err != nil && !os.IsNotExist(err) {
			log.Warningf(ctx, "%s: expire: %s", p.url, err)
		}
	}
}

func (p *Provider) Close() error {
	p.rx.Shutdown()
	p.watchWg.Wait()
	return nil
}

func init() {
	remote.RegisterProvider("file", openURL)
}
