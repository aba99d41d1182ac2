package statemachine_test

import (
	"encoding/json"
	"testing"

	"github.com/dvoskoboinikov/raftlog/statemachine"
	"github.com/dvoskoboinikov/raftlog/wal"
	"github.com/stretchr/testify/assert"
)

func entryFor(t *testing.T, cmd statemachine.Command) wal.Entry {
	t.Helper()
	payload, err := json.Marshal(cmd)
	assert.NoError(t, err)
	return wal.NewEntry(1, payload)
}

func TestMachine(t *testing.T) {
	t.Run("Just Work", func(t *testing.T) {
		m := statemachine.New()
		assert.Zero(t, m.Value())

		m.Apply(entryFor(t, statemachine.Command{Op: statemachine.CAS, Arg: 69}))
		assert.Equal(t, 69, m.Value())

		m.Apply(entryFor(t, statemachine.Command{Op: statemachine.CAS, Arg: 1}))
		m.Apply(entryFor(t, statemachine.Command{Op: statemachine.Add, Arg: 1}))
		m.Apply(entryFor(t, statemachine.Command{Op: statemachine.Mul, Arg: 3}))
		assert.Equal(t, 6, m.Value())

		m.Apply(entryFor(t, statemachine.Command{Op: statemachine.Sub, Arg: 4}))
		assert.Equal(t, 2, m.Value())
	})

	t.Run("Exactly once", func(t *testing.T) {
		m := statemachine.New()
		cmd := statemachine.Command{Op: statemachine.Add, Arg: 5, Xid: statemachine.Xid{Client: "c1", Index: 1}}
		m.Apply(entryFor(t, cmd))
		m.Apply(entryFor(t, cmd)) // replay of the same Xid must be a no-op
		assert.Equal(t, 5, m.Value())

		next := statemachine.Command{Op: statemachine.Add, Arg: 5, Xid: statemachine.Xid{Client: "c1", Index: 2}}
		m.Apply(entryFor(t, next))
		assert.Equal(t, 10, m.Value())
	})

	t.Run("Snapshot round trip", func(t *testing.T) {
		m := statemachine.New()
		m.Apply(entryFor(t, statemachine.Command{Op: statemachine.CAS, Arg: 42, Xid: statemachine.Xid{Client: "c1", Index: 1}}))

		builder := statemachine.NewSnapshotBuilder()
		builder.ApplyCore(entryFor(t, statemachine.Command{Op: statemachine.CAS, Arg: 42, Xid: statemachine.Xid{Client: "c1", Index: 1}}))
		snapshot := builder.Snapshot()
		assert.NotEmpty(t, snapshot)

		restored := statemachine.New()
		restored.Apply(wal.Entry{IsSnapshot: true, Payload: snapshot})
		assert.Equal(t, 42, restored.Value())

		// The dedup state travels with the snapshot: a replayed Xid
		// from before the snapshot must still be rejected afterward.
		restored.Apply(entryFor(t, statemachine.Command{Op: statemachine.Add, Arg: 1, Xid: statemachine.Xid{Client: "c1", Index: 1}}))
		assert.Equal(t, 42, restored.Value())
	})
}
