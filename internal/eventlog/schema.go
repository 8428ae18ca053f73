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

package eventlog

// Mode bits for opened_files.mode; internal/syscalltable only emits
// these five.
const (
	FileRead  = 1 << 0
	FileWrite = 1 << 1
	FileWdir  = 1 << 2
	FileStat  = 1 << 3
	FileLink  = 1 << 4
)

// expectedTables is the exact four-table schema this package owns. Any
// other combination found at open time is SchemaMismatch.
var expectedTables = []string{"processes", "opened_files", "executed_files", "connections"}

const createProcesses = `
CREATE TABLE processes(
    id INTEGER NOT NULL PRIMARY KEY,
    run_id INTEGER NOT NULL,
    parent INTEGER,
    timestamp INTEGER NOT NULL,
    exit_timestamp INTEGER,
    cpu_time INTEGER,
    is_thread BOOLEAN NOT NULL,
    exitcode INTEGER
);`

const createProcessesIdx = `CREATE INDEX proc_parent_idx ON processes(parent);`

const createOpenedFiles = `
CREATE TABLE opened_files(
    id INTEGER NOT NULL PRIMARY KEY,
    run_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    mode INTEGER NOT NULL,
    is_directory BOOLEAN NOT NULL,
    process INTEGER NOT NULL
);`

const createOpenedFilesIdx = `CREATE INDEX open_proc_idx ON opened_files(process);`

const createExecutedFiles = `
CREATE TABLE executed_files(
    id INTEGER NOT NULL PRIMARY KEY,
    name TEXT NOT NULL,
    run_id INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    process INTEGER NOT NULL,
    argv TEXT NOT NULL,
    envp TEXT NOT NULL,
    workingdir TEXT NOT NULL
);`

const createExecutedFilesIdx = `CREATE INDEX exec_proc_idx ON executed_files(process);`

const createConnections = `
CREATE TABLE connections(
    id INTEGER NOT NULL PRIMARY KEY,
    run_id INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    process INTEGER NOT NULL,
    inbound INTEGER NOT NULL,
    family TEXT,
    protocol TEXT,
    address TEXT
);`

const createConnectionsIdx = `CREATE INDEX connections_proc_idx ON connections(process);`

var createStatements = []string{
	createProcesses, createProcessesIdx,
	createOpenedFiles, createOpenedFilesIdx,
	createExecutedFiles, createExecutedFilesIdx,
	createConnections, createConnectionsIdx,
}
