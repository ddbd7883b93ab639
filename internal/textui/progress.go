// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui is a tunable-interval progress reporter that logs through
// dlog rather than writing to the terminal directly, so the scanner and
// indexer can report progress without owning stdout.
package textui

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/message"
)

// Portion is a generic "N of D" progress value with a human-formatted
// String, using golang.org/x/text/message for thousands separators on large
// byte/offset counts.
type Portion[T constraints.Integer] struct {
	N, D T
}

var printer = message.NewPrinter(message.MatchLanguage("en"))

func (p Portion[T]) String() string {
	if p.D == 0 {
		return printer.Sprintf("%d", int64(p.N))
	}
	pct := float64(0)
	if p.D != 0 {
		pct = 100 * float64(p.N) / float64(p.D)
	}
	return printer.Sprintf("%d/%d (%.1f%%)", int64(p.N), int64(p.D), pct)
}

// Stats is anything that can be reported through Progress: comparable (so
// unchanged values are suppressed) and Stringer (so it can be logged).
type Stats interface {
	comparable
	String() string
}

// Progress periodically logs the most recent value passed to Set, at most
// once per interval, until Done is called.
type Progress[T Stats] struct {
	ctx      context.Context
	lvl      dlog.LogLevel
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	cur     atomic.Value
	oldStat T
	oldLine string
}

// NewProgress starts (lazily, on first Set) a background logger.
func NewProgress[T Stats](ctx context.Context, lvl dlog.LogLevel, interval time.Duration) *Progress[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Progress[T]{
		ctx:      ctx,
		lvl:      lvl,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Set records the latest value to report.
func (p *Progress[T]) Set(val T) {
	if p.cur.Swap(val) == nil {
		go p.run()
	}
}

// Done stops the background logger after flushing the final value.
func (p *Progress[T]) Done() {
	p.cancel()
	<-p.done
}

func (p *Progress[T]) flush(force bool) {
	cur, ok := p.cur.Load().(T)
	if !ok {
		return
	}
	if !force && cur == p.oldStat {
		return
	}
	p.oldStat = cur

	line := cur.String()
	if !force && line == p.oldLine {
		return
	}
	p.oldLine = line
	dlog.Log(p.ctx, p.lvl, line)
}

func (p *Progress[T]) run() {
	p.flush(true)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.flush(true)
			close(p.done)
			return
		case <-ticker.C:
			p.flush(false)
		}
	}
}
