package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcelocantos/forge/target"
)

func sourceFor(commands map[string]string) CommandSource {
	return func(id target.ID) (string, bool, bool) {
		cmd, ok := commands[id.String()]
		return cmd, false, ok
	}
}

func TestCommandHandlerNotOnDisk(t *testing.T) {
	h := NewCommandHandler(sourceFor(nil))
	require.False(t, h.OnDisk())
}

func TestCommandHandlerCookUnknownTarget(t *testing.T) {
	h := NewCommandHandler(sourceFor(nil))
	_, err := h.Cook(target.NewID("ghost"), nil)
	require.Error(t, err)
	var uvt *UnknownVirtualTarget
	require.ErrorAs(t, err, &uvt)
}

func TestCommandHandlerFingerprintTracksOutput(t *testing.T) {
	h := NewCommandHandler(sourceFor(map[string]string{
		"probe": "echo stable",
	}))
	cooked, err := h.Cook(target.NewID("probe"), nil)
	require.NoError(t, err)

	fp1, err := h.ComputeFingerprint(cooked)
	require.NoError(t, err)
	require.True(t, fp1.Present())

	fp2, err := h.ComputeFingerprint(cooked)
	require.NoError(t, err)
	require.True(t, fp1.Equal(fp2), "the same command output must fingerprint identically")
}

func TestCommandHandlerEmptyCommandIsNotObservable(t *testing.T) {
	h := NewCommandHandler(sourceFor(map[string]string{
		"task": "",
	}))
	cooked, err := h.Cook(target.NewID("task"), nil)
	require.NoError(t, err)

	fp, err := h.ComputeFingerprint(cooked)
	require.NoError(t, err)
	require.False(t, fp.Present(), "a plain task with no probe command is never observable")
}

func TestCommandHandlerNeedRebuildComparesOutput(t *testing.T) {
	h := NewCommandHandler(sourceFor(map[string]string{
		"probe": "echo v1",
	}))
	cooked, err := h.Cook(target.NewID("probe"), nil)
	require.NoError(t, err)

	fp, err := h.ComputeFingerprint(cooked)
	require.NoError(t, err)

	rebuild, err := h.NeedRebuild(cooked, fp)
	require.NoError(t, err)
	require.False(t, rebuild)

	rebuild, err = h.NeedRebuild(cooked, target.Fingerprint([]byte("different")))
	require.NoError(t, err)
	require.True(t, rebuild)
}

func TestCommandHandlerCleanIsNoop(t *testing.T) {
	h := NewCommandHandler(sourceFor(nil))
	require.NoError(t, h.Clean(cookedCommand{id: target.NewID("x")}))
}
