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

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNulSepRoundTrip(t *testing.T) {
	cases := [][][]byte{
		nil,
		{[]byte("a")},
		{[]byte("a"), []byte("b"), []byte("c")},
		{[]byte(""), []byte("x"), []byte("")},
		{[]byte("has spaces and \t tabs")},
	}
	for _, items := range cases {
		got := DecodeNulSep(EncodeNulSep(items))
		require.Equal(t, len(items), len(got))
		for i := range items {
			require.Equal(t, string(items[i]), string(got[i]))
		}
	}
}

func TestOpenCreatesSchemaAndAllocatesRunID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.sqlite3")

	s, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.RunID())

	id, err := s.AddProcess(nil, "/tmp", false)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.NoError(t, s.Close(false))

	s2, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(1), s2.RunID())
	require.NoError(t, s2.Close(false))
}

func TestRollbackDiscardsRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.sqlite3")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.AddProcess(nil, "/tmp", false)
	require.NoError(t, err)
	require.NoError(t, s.Close(true))

	s2, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), s2.RunID())
	require.NoError(t, s2.Close(false))
}
