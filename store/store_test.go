package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/forge/target"
)

func TestPreviousRunRecordGetNilReceiver(t *testing.T) {
	var r *PreviousRunRecord
	fp, ok := r.Get(target.NewID("x"))
	require.False(t, ok)
	require.Nil(t, fp)
}

func TestPreviousRunRecordGetFindsEntry(t *testing.T) {
	r := &PreviousRunRecord{Entries: []Entry{
		{Target: target.NewID("a"), Fingerprint: target.Fingerprint([]byte{1})},
		{Target: target.NewID("b"), Fingerprint: target.Fingerprint([]byte{2})},
	}}

	fp, ok := r.Get(target.NewID("b"))
	require.True(t, ok)
	require.Equal(t, target.Fingerprint([]byte{2}), fp)

	_, ok = r.Get(target.NewID("missing"))
	require.False(t, ok)
}
