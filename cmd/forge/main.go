// Copyright 2026 The forge Authors
// SPDX-License-Identifier: Apache-2.0

// Command forge is the CLI front door: it reads a rule file through package
// ruleset, wires the resulting rules and configuration into the core
// (resolver, handler registry, fingerprint store) and drives an
// engine.Executor's Run/Clean/Why.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/marcelocantos/forge/engine"
	"github.com/marcelocantos/forge/handler"
	"github.com/marcelocantos/forge/handlers"
	"github.com/marcelocantos/forge/resolver"
	"github.com/marcelocantos/forge/ruleset"
	"github.com/marcelocantos/forge/store"
	"github.com/marcelocantos/forge/store/boltstore"
	"github.com/marcelocantos/forge/target"
)

var (
	ruleFile string
	storeDir string
	logLevel string
	shell    bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "incremental build execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&ruleFile, "file", "f", "forgefile", "rule file to read")
	root.PersistentFlags().StringVar(&storeDir, "store", ".forge", "directory holding the fingerprint store")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&shell, "shell", true, "run recipes via \"sh -c\" instead of bare argv")

	root.AddCommand(newRunCmd(), newCleanCmd(), newWhyCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <target> [target:config1+config2] [name=value] ...",
		Short: "build targets, skipping rules whose inputs/outputs are unchanged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(args, func(ex *engine.Executor, targets []target.ID, log hclog.Logger) error {
				for _, t := range targets {
					changed, err := ex.Run(t)
					if err != nil {
						return err
					}
					if changed {
						log.Info("rebuilt", "target", t.String())
					} else {
						fmt.Printf("%s: up to date\n", t.String())
					}
				}
				return nil
			})
		},
	}
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <target> ...",
		Short: "remove targets and everything produced by rules they depend on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(args, func(ex *engine.Executor, targets []target.ID, log hclog.Logger) error {
				for _, t := range targets {
					if err := ex.Clean(t); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newWhyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "why <target> ...",
		Short: "explain whether a target would rebuild, without building it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(args, func(ex *engine.Executor, targets []target.ID, log hclog.Logger) error {
				for _, t := range targets {
					rebuild, reasons, err := ex.Why(t)
					if err != nil {
						return err
					}
					if !rebuild {
						fmt.Printf("%s is up to date\n", t.String())
						continue
					}
					fmt.Printf("%s needs rebuilding:\n", t.String())
					for _, r := range reasons {
						fmt.Printf("  - %s\n", r)
					}
				}
				return nil
			})
		},
	}
}

// withExecutor parses args into build targets, active configs, and variable
// overrides ("target", "target:config1+config2", and "name=value" argument
// forms), builds the rule set, wires the core, and invokes fn with a ready
// Executor.
func withExecutor(args []string, fn func(ex *engine.Executor, targets []target.ID, log hclog.Logger) error) error {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "forge",
		Level: hclog.LevelFromString(logLevel),
	})
	invocationID := uuid.NewString()
	log = log.With("invocation", invocationID)

	vars := ruleset.NewEnvironment()
	var buildTargets []string
	var activeConfigs []string
	configSeen := map[string]bool{}

	for _, arg := range args {
		if name, value, ok := strings.Cut(arg, "="); ok {
			vars.Set(name, value)
			continue
		}
		if t, configStr, ok := strings.Cut(arg, ":"); ok {
			buildTargets = append(buildTargets, t)
			for _, c := range strings.Split(configStr, "+") {
				c = strings.TrimSpace(c)
				if c != "" && !configSeen[c] {
					activeConfigs = append(activeConfigs, c)
					configSeen[c] = true
				}
			}
			continue
		}
		buildTargets = append(buildTargets, arg)
	}
	if len(buildTargets) == 0 {
		return fmt.Errorf("no targets specified")
	}

	f, err := os.Open(ruleFile)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", ruleFile, err)
	}
	defer f.Close()

	ast, err := ruleset.Parse(f)
	if err != nil {
		return err
	}

	b := ruleset.NewBuilder(vars, activeConfigs)
	b.SetShellMode(shell)
	if err := b.AddFile(ast); err != nil {
		return err
	}
	rules, cfg, err := b.Build(buildTargets)
	if err != nil {
		return err
	}
	virtual := b.VirtualTargets()

	res, err := resolver.New(rules)
	if err != nil {
		return err
	}

	registry := handler.NewRegistry()
	registry.Register(func(id target.ID) bool {
		_, ok := virtual[id.String()]
		return ok
	}, handlers.NewCommandHandler(func(id target.ID) (string, bool, bool) {
		spec, ok := virtual[id.String()]
		return spec.Command, spec.ShellMode, ok
	}))
	registry.Register(func(target.ID) bool { return true }, handlers.NewFileHandler())

	suffix := strings.Join(activeConfigs, "-")
	dbPath := storeDir + "/fingerprints"
	if suffix != "" {
		dbPath += "-" + suffix
	}
	dbPath += ".db"
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return err
	}

	var fstore store.Store = boltstore.New(dbPath)
	ex := engine.New(res, registry, fstore, cfg, log)

	targets := make([]target.ID, len(buildTargets))
	for i, t := range buildTargets {
		targets[i] = target.NewID(t)
	}
	return fn(ex, targets, log)
}
