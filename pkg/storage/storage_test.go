// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageRoundtrip(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))

	got, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	ok, err := s.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete([]byte("a")))
	_, err = s.Get([]byte("a"))
	require.True(t, IsNotFound(err))
}

func TestStorageMissingKey(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	_, err := s.Get([]byte("absent"))
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	ok, err := s.Has([]byte("absent"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoragePrefixIteration(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	require.NoError(t, s.Put([]byte("powlist/a"), []byte("1")))
	require.NoError(t, s.Put([]byte("powlist/b"), []byte("2")))
	require.NoError(t, s.Put([]byte("tracker"), []byte("3")))

	it := s.NewIteratorWithPrefix([]byte("powlist/"))
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.ElementsMatch(t, []string{"powlist/a", "powlist/b"}, keys)
}

func TestStorageMemoryType(t *testing.T) {
	s, err := New("memory", "")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
}
