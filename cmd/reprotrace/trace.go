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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/repro-trace/tracer/internal/config"
	"github.com/repro-trace/tracer/internal/supervisor"
	"github.com/repro-trace/tracer/internal/tlog"
)

type traceCmd struct {
	dbPath  string
	verbose bool
	cgroup  bool
	console bool
	journal bool
}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "run a command under provenance tracing" }
func (*traceCmd) Usage() string {
	return "trace [flags] -- <binary> [args...]\n  Traces a process tree's file, process and network activity.\n"
}

func (c *traceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dbPath, "database", "", "path to the event log (default: reprozip.sqlite3 in the current directory)")
	f.BoolVar(&c.verbose, "v", false, "enable debug-level logging")
	f.BoolVar(&c.cgroup, "cgroup-check", false, "cross-check CPU accounting against a private cgroup")
	f.BoolVar(&c.console, "console", false, "run the traced process on a PTY instead of inherited stdio")
	f.BoolVar(&c.journal, "journal", false, "also log to the systemd journal")
}

func (c *traceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "trace: no command given; usage: reprotrace trace -- <binary> [args...]")
		return subcommands.ExitUsageError
	}

	cfg, err := config.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "trace: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := config.LoadFile(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "trace: loading config file: %v\n", err)
		return subcommands.ExitFailure
	}
	if c.dbPath != "" {
		cfg.DatabasePath = c.dbPath
	}
	cfg.Verbose = cfg.Verbose || c.verbose
	cfg.AccountCgroup = cfg.AccountCgroup || c.cgroup
	cfg.Console = cfg.Console || c.console
	cfg.JournalLog = cfg.JournalLog || c.journal

	if err := config.EnsureLogDir(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "trace: %v\n", err)
		return subcommands.ExitFailure
	}
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trace: opening log file: %v\n", err)
		return subcommands.ExitFailure
	}
	defer logFile.Close()

	level := logrus.InfoLevel
	if cfg.Verbose {
		level = logrus.DebugLevel
	}
	emitters := tlog.MultiEmitter{tlog.NewTextEmitter(logFile)}
	if cfg.JournalLog {
		if je := tlog.NewJournalEmitter(); je != nil {
			emitters = append(emitters, je)
		}
	}
	log := tlog.New(emitters, level)

	status, err := supervisor.Run(ctx, supervisor.Options{
		Binary:            f.Arg(0),
		Argv:              f.Args()[1:],
		DatabasePath:      cfg.DatabasePath,
		Log:               log,
		EnableCgroupCheck: cfg.AccountCgroup,
		EnablePTY:         cfg.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "trace: %v\n", err)
		return subcommands.ExitFailure
	}
	os.Exit(status)
	return subcommands.ExitSuccess
}
