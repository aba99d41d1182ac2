package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotFile(t *testing.T) {
	t.Run("Absent snapshot caches zero", func(t *testing.T) {
		s, err := openSnapshotFile(t.TempDir(), false)
		assert.NoError(t, err)
		defer s.close()
		assert.NoError(t, s.populateCache())
		assert.Zero(t, s.index())
		assert.False(t, s.isPresent())
	})

	t.Run("Write then read round trip", func(t *testing.T) {
		s, err := openSnapshotFile(t.TempDir(), false)
		assert.NoError(t, err)
		defer s.close()

		entry := Entry{Term: 5, Timestamp: 100, IsSnapshot: true, Payload: []byte("state=42")}
		assert.NoError(t, s.write(context.Background(), entry, 7))
		assert.True(t, s.isPresent())
		assert.Equal(t, uint64(7), s.index())

		got, err := s.read(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, uint64(7), got.Index)
		assert.Equal(t, int64(5), got.Term)
		assert.True(t, got.IsSnapshot)
		assert.Equal(t, []byte("state=42"), got.Payload)
	})

	t.Run("Read of an empty snapshot fails", func(t *testing.T) {
		s, err := openSnapshotFile(t.TempDir(), false)
		assert.NoError(t, err)
		defer s.close()
		_, err = s.read(context.Background())
		assert.ErrorIs(t, err, ErrOutOfRange)
	})

	t.Run("installFrom swaps the temp file into place", func(t *testing.T) {
		dir := t.TempDir()
		current, err := openSnapshotFile(dir, false)
		assert.NoError(t, err)
		assert.NoError(t, current.write(context.Background(), Entry{Term: 1, Payload: []byte("old")}, 3))

		temp, err := openSnapshotFile(dir, true)
		assert.NoError(t, err)
		assert.NoError(t, temp.write(context.Background(), Entry{Term: 2, Payload: []byte("new")}, 7))

		assert.NoError(t, current.installFrom(temp))
		assert.NoError(t, current.populateCache())
		assert.Equal(t, uint64(7), current.index())

		got, err := current.read(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, []byte("new"), got.Payload)
		assert.NoError(t, current.close())
	})
}
