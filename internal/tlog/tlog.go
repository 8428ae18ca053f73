// Copyright 2024 The Repro-Trace Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tlog provides the tracer's structured logging surface.
//
// It mirrors the emitter/MultiEmitter pattern used by the reference
// tracer's CLI (one pluggable sink, optionally more than one at a time)
// but is built on logrus instead of a hand-rolled emitter, and adds an
// optional systemd-journal sink for when the tracer runs as a service
// rather than interactively.
package tlog

import (
	"io"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Emitter is a logging sink. Components never log directly; they go
// through a *Logger, which fans out to every registered Emitter.
type Emitter interface {
	Emit(level logrus.Level, tid int32, msg string)
}

// TextEmitter writes human-readable lines to the io.Writer given to
// NewTextEmitter.
type TextEmitter struct {
	entry *logrus.Logger
}

// NewTextEmitter returns an Emitter that writes logrus' default text
// formatter to w.
func NewTextEmitter(w io.Writer) *TextEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &TextEmitter{entry: l}
}

// Emit implements Emitter.
func (e *TextEmitter) Emit(level logrus.Level, tid int32, msg string) {
	e.entry.WithField("tid", tid).Log(level, msg)
}

// JSONEmitter writes one JSON object per log line.
type JSONEmitter struct {
	entry *logrus.Logger
}

// NewJSONEmitter returns an Emitter using logrus' JSON formatter.
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	return &JSONEmitter{entry: l}
}

// Emit implements Emitter.
func (e *JSONEmitter) Emit(level logrus.Level, tid int32, msg string) {
	e.entry.WithField("tid", tid).Log(level, msg)
}

// JournalEmitter sends records to the systemd journal. NewJournalEmitter
// returns nil on a host without a journal socket; once constructed, Emit
// ignores send errors, since journal delivery is best-effort diagnostics, never the
// tracer's durability mechanism (that's internal/eventlog's job).
type JournalEmitter struct {
	// limiter caps how fast we'll hand the journal socket records, so a
	// storm of spurious SIGTRAPs (see the controller's error policy)
	// can't flood it.
	limiter *rate.Limiter
}

// NewJournalEmitter returns a JournalEmitter, or nil if the journal is
// not reachable on this host.
func NewJournalEmitter() *JournalEmitter {
	if !journal.Enabled() {
		return nil
	}
	return &JournalEmitter{limiter: rate.NewLimiter(rate.Limit(200), 50)}
}

// Emit implements Emitter.
func (e *JournalEmitter) Emit(level logrus.Level, tid int32, msg string) {
	if !e.limiter.Allow() {
		return
	}
	pri := journal.PriInfo
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		pri = journal.PriErr
	case logrus.WarnLevel:
		pri = journal.PriWarning
	case logrus.DebugLevel, logrus.TraceLevel:
		pri = journal.PriDebug
	}
	_ = journal.Send(msg, pri, map[string]string{"TID": itoa(tid)})
}

// MultiEmitter fans a record out to every member, matching the
// reference CLI's *log.MultiEmitter combinator.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(level logrus.Level, tid int32, msg string) {
	for _, e := range m {
		if e != nil {
			e.Emit(level, tid, msg)
		}
	}
}

// Logger is the handle every component holds. It is safe for concurrent
// use: the controller, decoder workers, and supervisor may all log at
// once.
type Logger struct {
	mu     sync.Mutex
	target Emitter
	level  logrus.Level
}

// New creates a Logger bound to target, logging at level and above.
func New(target Emitter, level logrus.Level) *Logger {
	return &Logger{target: target, level: level}
}

// SetTarget swaps the emitter, e.g. once the config has been parsed and
// the real debug-log destination is known.
func (l *Logger) SetTarget(target Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
}

func (l *Logger) log(level logrus.Level, tid int32, format string, args ...interface{}) {
	l.mu.Lock()
	target, min := l.target, l.level
	l.mu.Unlock()
	if target == nil || level > min {
		return
	}
	target.Emit(level, tid, sprintf(format, args...))
}

// Debugf logs routine, high-volume detail (e.g. unregistered syscall
// numbers, per-stop register dumps).
func (l *Logger) Debugf(tid int32, format string, args ...interface{}) {
	l.log(logrus.DebugLevel, tid, format, args...)
}

// Infof logs one-shot lifecycle events (process created, exited, ...).
func (l *Logger) Infof(tid int32, format string, args ...interface{}) {
	l.log(logrus.InfoLevel, tid, format, args...)
}

// Warningf logs recoverable anomalies (diverging cgroup accounting,
// fallback register path taken, ...).
func (l *Logger) Warningf(tid int32, format string, args ...interface{}) {
	l.log(logrus.WarnLevel, tid, format, args...)
}

// Errorf logs policy-level errors (spurious SIGTRAP, ptrace failure on
// a tid, unrecognized stop cause). These are never fatal by themselves.
func (l *Logger) Errorf(tid int32, format string, args ...interface{}) {
	l.log(logrus.ErrorLevel, tid, format, args...)
}
