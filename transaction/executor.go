// Package transaction implements urpm's transaction executor (C7):
// acquiring the process-wide install lock, driving the external RPM
// transaction engine over a resolved action list, handling the
// two-SIGINT abort policy, and writing the result back to history.
package transaction

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/quay/zlog"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/internal/index"
	"github.com/urpmng/urpm/locksource"
	"github.com/urpmng/urpm/resolver"
)

// ConfigPolicy controls how ".rpmnew" files produced during install
// are post-processed.
type ConfigPolicy string

const (
	PolicyKeep    ConfigPolicy = "keep"
	PolicyReplace ConfigPolicy = "replace"
	PolicyAsk     ConfigPolicy = "ask"
)

// InstallOptions derives the RPM engine invocation's flags.
type InstallOptions struct {
	VerifySignatures bool
	Force            bool
	Test             bool
	Reinstall        bool
	NoScriptlets     bool
	Root             string
	UserNamespace    bool
	Sync             bool
	ConfigPolicy     ConfigPolicy
}

func (o InstallOptions) rpmFlags(kind resolver.ActionKind) []string {
	var flags []string
	if o.Test {
		flags = append(flags, "--test")
	}
	switch kind {
	case resolver.ActRemove:
		flags = append(flags, "-e")
	default:
		flags = append(flags, "-U")
		if o.Force {
			flags = append(flags, "--force")
		}
		if o.Reinstall {
			flags = append(flags, "--replacepkgs")
		}
	}
	if !o.VerifySignatures {
		flags = append(flags, "--nosignature", "--nodigest")
	}
	if o.NoScriptlets {
		flags = append(flags, "--noscripts")
	}
	if o.Root != "" {
		flags = append(flags, "--root", o.Root)
	}
	return flags
}

// ProgressFunc streams one line of RPM engine output per package step.
type ProgressFunc func(nevra string, line string)

// Executor drives the RPM transaction engine.
type Executor struct {
	Store   *index.Store
	Locks   locksource.ContextLock
	RootDir string // target root's RPM state directory, for the lock file path
	// RPMPath is the external RPM engine binary; the executor only
	// forks/execs it, never reimplements package installation.
	RPMPath string
	// ResolvePath maps a PackageAction to the local file the engine
	// should operate on (downloaded cache path, or the original local
	// RPM path for @LocalRPMs actions).
	ResolvePath func(act resolver.PackageAction) (string, error)
}

// processLocks is the process-wide install lock shared by every
// Executor that has no Locks of its own.
var processLocks locksource.Local

func (e *Executor) locks() locksource.ContextLock {
	if e.Locks != nil {
		return e.Locks
	}
	return &processLocks
}

func (e *Executor) rpmPath() string {
	if e.RPMPath != "" {
		return e.RPMPath
	}
	return "rpm"
}

// abortSignal tracks the two-SIGINT abort protocol: the first signal
// sets finishCurrent, the second triggers a hard abort.
type abortSignal struct {
	finishCurrent atomic.Bool
	hardAbort     atomic.Bool
}

// Run executes a resolution's actions in order, within the process-wide
// install lock, streaming progress and recording history. sigint, when
// non-nil, is read once per incoming SIGINT the caller's signal handler
// forwards; Run itself does not call signal.Notify.
func (e *Executor) Run(ctx context.Context, kind urpm.TransactionKind, commandLine, user string, actions []resolver.PackageAction, opts InstallOptions, sigint <-chan struct{}, progress ProgressFunc) error {
	const op = "transaction.Run"
	lockKey := filepath.Join(e.RootDir, "var/lib/rpm", ".urpm.lock")

	lctx, cancel := e.locks().Lock(ctx, lockKey)
	defer cancel()

	txID, err := e.Store.BeginTransaction(lctx, kind, commandLine, user)
	if err != nil {
		return &urpm.Error{Op: op, Kind: urpm.ErrIndex, Message: "recording transaction start", Inner: err}
	}

	var sig abortSignal
	done := make(chan struct{})
	defer close(done)
	if sigint != nil {
		go e.watchSignals(sigint, &sig, done)
	}

	exitCode := 0
	for _, act := range actions {
		if sig.hardAbort.Load() {
			exitCode = 130
			break
		}
		path, perr := e.resolvePathFor(act)
		if perr != nil {
			exitCode = 1
			zlog.Error(lctx).Str("nevra", act.NEVRA).Err(perr).Msg("resolving install path")
			break
		}
		if err := e.runOne(lctx, act, path, opts, progress); err != nil {
			exitCode = 1
			zlog.Error(lctx).Str("nevra", act.NEVRA).Err(err).Msg("rpm engine step failed")
			break
		}
		if err := e.Store.RecordTransactionPackage(lctx, txID, beforeNEVRA(act), afterNEVRA(act), act.Reason); err != nil {
			return &urpm.Error{Op: op, Kind: urpm.ErrIndex, Message: "recording transaction package", Inner: err}
		}
		if sig.finishCurrent.Load() {
			exitCode = 130
			break
		}
	}

	status := urpm.TxComplete
	if exitCode == 130 {
		status = urpm.TxInterrupted
	}
	if err := e.Store.CompleteTransaction(ctx, txID, status, exitCode); err != nil {
		return &urpm.Error{Op: op, Kind: urpm.ErrIndex, Message: "completing transaction", Inner: err}
	}
	if exitCode != 0 {
		return &urpm.Error{Op: op, Kind: urpm.ErrTransaction, Message: fmt.Sprintf("transaction ended with exit code %d", exitCode)}
	}
	return e.postProcessConfigFiles(opts)
}

func (e *Executor) watchSignals(sigint <-chan struct{}, sig *abortSignal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-sigint:
			if sig.finishCurrent.Load() {
				sig.hardAbort.Store(true)
				return
			}
			sig.finishCurrent.Store(true)
		}
	}
}

func (e *Executor) resolvePathFor(act resolver.PackageAction) (string, error) {
	if act.Kind == resolver.ActRemove {
		return "", nil
	}
	if e.ResolvePath == nil {
		return "", fmt.Errorf("transaction: no ResolvePath configured for %s", act.NEVRA)
	}
	return e.ResolvePath(act)
}

func (e *Executor) runOne(ctx context.Context, act resolver.PackageAction, path string, opts InstallOptions, progress ProgressFunc) error {
	args := opts.rpmFlags(act.Kind)
	target := path
	if act.Kind == resolver.ActRemove {
		target = act.NEVRA
	}
	args = append(args, target)

	cmd := exec.CommandContext(ctx, e.rpmPath(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting rpm engine: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if progress != nil {
			progress(act.NEVRA, scanner.Text())
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("rpm engine exited: %w", err)
	}
	return nil
}

func beforeNEVRA(act resolver.PackageAction) string {
	switch act.Kind {
	case resolver.ActInstall:
		return ""
	default:
		return act.NEVRA
	}
}

func afterNEVRA(act resolver.PackageAction) string {
	if act.Kind == resolver.ActRemove {
		return ""
	}
	return act.NEVRA
}

// postProcessConfigFiles walks the target root for .rpmnew files the
// RPM engine produced and applies the active config policy: "keep"
// leaves them alongside the live file, "replace" moves the live file to
// .rpmold and renames .rpmnew into place, "ask" is left to the CLI
// collaborator. For any policy other than "replace" it returns at once
// and records nothing.
func (e *Executor) postProcessConfigFiles(opts InstallOptions) error {
	if opts.ConfigPolicy != PolicyReplace {
		return nil
	}
	root := e.RootDir
	if root == "" {
		root = "/"
	}
	var rpmnews []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort walk; a single unreadable entry shouldn't abort the pass
		}
		if !d.IsDir() && strings.HasSuffix(path, ".rpmnew") {
			rpmnews = append(rpmnews, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction: walking for .rpmnew files: %w", err)
	}
	for _, rpmnew := range rpmnews {
		live := strings.TrimSuffix(rpmnew, ".rpmnew")
		if _, err := os.Stat(live); err == nil {
			if err := os.Rename(live, live+".rpmold"); err != nil {
				return fmt.Errorf("transaction: preserving %s as .rpmold: %w", live, err)
			}
		}
		if err := os.Rename(rpmnew, live); err != nil {
			return fmt.Errorf("transaction: promoting %s: %w", rpmnew, err)
		}
	}
	return nil
}
