package handlers

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/marcelocantos/forge/target"
)

// CommandSource resolves a target id to the command whose output fingerprints
// it. Virtual targets have no filesystem presence; the frontend that builds
// the rule set is responsible for deciding what command, if any, observes a
// given virtual target's state.
type CommandSource func(id target.ID) (command string, shellMode bool, ok bool)

// CommandHandler handles virtual/logical targets whose observable state is
// "the output of running some command". When shellMode is false, the
// command is parsed into argv with github.com/mattn/go-shellwords and run
// directly; when true, it is handed to "sh -c" for users who need
// pipelines/redirection. This mirrors the two invocation styles
// hashicorp/consul-template's Runner supports for child processes.
type CommandHandler struct {
	Source CommandSource
}

// NewCommandHandler returns a CommandHandler resolving commands via source.
func NewCommandHandler(source CommandSource) *CommandHandler {
	return &CommandHandler{Source: source}
}

// OnDisk is always false: a command-fingerprinted target is, by
// definition, not something the filesystem can vouch for independently.
func (h *CommandHandler) OnDisk() bool { return false }

type cookedCommand struct {
	id target.ID
}

func (h *CommandHandler) Cook(id target.ID, _ target.Fingerprint) (target.Cooked, error) {
	if _, _, ok := h.Source(id); !ok {
		return nil, &UnknownVirtualTarget{Target: id}
	}
	return cookedCommand{id: id}, nil
}

func (h *CommandHandler) NeedRebuild(cooked target.Cooked, previous target.Fingerprint) (bool, error) {
	fp, err := h.ComputeFingerprint(cooked)
	if err != nil {
		return false, err
	}
	if !fp.Present() {
		return true, nil
	}
	return !fp.Equal(previous), nil
}

// ComputeFingerprint runs the target's command and returns the sha256 of its
// stdout. An empty command (a plain task) or a command that fails to even
// start yields a nil fingerprint (treated as "not currently observable"); a
// command that runs but exits non-zero is reported as an error, since that
// is a distinct failure mode from "this target has no state yet".
func (h *CommandHandler) ComputeFingerprint(cooked target.Cooked) (target.Fingerprint, error) {
	id := cooked.(cookedCommand).id
	command, shellMode, ok := h.Source(id)
	if !ok || command == "" {
		return nil, nil
	}

	var cmd *exec.Cmd
	if shellMode {
		cmd = exec.Command("sh", "-c", command)
	} else {
		args, err := shellwords.Parse(command)
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, nil
		}
		cmd = exec.Command(args[0], args[1:]...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, err
		}
		return nil, nil
	}

	sum := sha256.Sum256(out.Bytes())
	return target.Fingerprint(sum[:]), nil
}

// Clean is a no-op for command-fingerprinted targets: there is nothing on
// disk that owns their state. Rules that want clean to have an effect
// should route it through an on-disk output instead.
func (h *CommandHandler) Clean(target.Cooked) error { return nil }

// UnknownVirtualTarget is returned when a CommandSource has no command
// registered for a given virtual target id.
type UnknownVirtualTarget struct {
	Target target.ID
}

func (e *UnknownVirtualTarget) Error() string {
	return "handlers: no command registered for virtual target " + e.Target.String()
}
