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

// Package config resolves the tracer's small configuration surface:
// built-in defaults, an optional TOML file, then flags, in that order of
// increasing precedence. The invoking front-end's argument parsing is
// out of scope for this package; it only covers the handful of knobs
// the engine itself needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved settings for one invocation.
type Config struct {
	// DatabasePath is where the event log (component A) is opened.
	// The database path is left to the caller; we default it to a file
	// in the current directory.
	DatabasePath string `toml:"database_path"`

	// LogFile is the line-oriented append log.
	// Defaults to $HOME/.reprozip/log.
	LogFile string `toml:"-"`

	// Verbose enables debug-level logging.
	Verbose bool `toml:"verbose"`

	// AccountCgroup places the initial child in a transient cgroup v1
	// cpu/cpuacct group for cross-checking rusage-derived cpu_time.
	AccountCgroup bool `toml:"account_cgroup"`

	// Console runs the traced child on the tracer's own stdin terminal,
	// used for all three of its stdio streams, instead of inheriting the
	// parent's stdio as-is; no new pseudoterminal is allocated.
	Console bool `toml:"console"`

	// JournalLog additionally emits log records to the systemd journal.
	JournalLog bool `toml:"journal_log"`
}

// defaultDatabasePath returns "reprozip.sqlite3" in the current
// directory, used when the CLI does not name one explicitly.
func defaultDatabasePath() string {
	return filepath.Join(".", "reprozip.sqlite3")
}

// home returns $HOME, needed to locate the default log file and the
// optional config.toml.
func home() (string, error) {
	h := os.Getenv("HOME")
	if h == "" {
		return "", fmt.Errorf("config: $HOME is not set")
	}
	return h, nil
}

// Default returns the built-in defaults before any file or flag
// overrides are applied.
func Default() (Config, error) {
	h, err := home()
	if err != nil {
		return Config{}, err
	}
	return Config{
		DatabasePath: defaultDatabasePath(),
		LogFile:      filepath.Join(h, ".reprozip", "log"),
	}, nil
}

// LoadFile merges an optional TOML config file at $HOME/.reprozip/config.toml
// into cfg. A missing file is not an error; a malformed one is.
func LoadFile(cfg *Config) error {
	h, err := home()
	if err != nil {
		return err
	}
	path := filepath.Join(h, ".reprozip", "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_, err = toml.DecodeFile(path, cfg)
	return err
}

// EnsureLogDir makes sure the directory holding cfg.LogFile exists, so
// opening the log file doesn't fail merely because $HOME/.reprozip
// hasn't been created yet.
func EnsureLogDir(cfg Config) error {
	return os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755)
}
