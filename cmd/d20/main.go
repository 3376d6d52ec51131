// Command d20 is a minimal demonstration driver for the engine: enough to
// seed an object, run the scheduler to quiescence, and save/load/promote
// against a running engine. It is not a reimplementation of a production
// driver — the YAML configuration loader and interactive inspection shell
// remain the job of a real external driver.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/engineconfig"
	"github.com/MITRECND/d20/internal/registry"
	"github.com/MITRECND/d20/internal/scheduler"
	"github.com/MITRECND/d20/internal/snapshot"
)

var (
	rootCtx    context.Context
	rootCancel context.CancelFunc

	configPath      string
	savePath        string
	loadPath        string
	seedPath        string
	actionsTOMLPath string
	watch           bool
)

var rootCmd = &cobra.Command{
	Use:   "d20",
	Short: "d20 - minimal demonstration driver for the analyst-assistance engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		rootCancel()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "seed an object, run the scheduler to quiescence, optionally save",
	RunE:  runRun,
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "run to quiescence and write a save file",
	RunE:  runRun,
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "resume a prior run from a save file",
	RunE:  runLoad,
}

var promoteCmd = &cobra.Command{
	Use:   "promote [hyp-id]",
	Short: "accept a hypothesis into the fact table",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromote,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the d20/common/component config document")
	rootCmd.PersistentFlags().StringVar(&savePath, "save", "", "write a save file to this path after quiescence")
	rootCmd.PersistentFlags().StringVar(&loadPath, "load", "", "resume from this save file before running")
	rootCmd.PersistentFlags().StringVar(&seedPath, "seed", "", "path to a seed-object file to add before running")
	rootCmd.PersistentFlags().StringVar(&actionsTOMLPath, "actions-toml", "", "path to a TOML-format Actions/Screens component option file")
	rootCmd.PersistentFlags().BoolVar(&watch, "watch", false, "watch the save directory for externally-written promotion files")

	rootCmd.AddCommand(runCmd, saveCmd, loadCmd, promoteCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildEngine() (*scheduler.Engine, *registry.Registry, scheduler.Config, error) {
	reg := registry.New()
	cfg := scheduler.DefaultConfig()

	if configPath != "" {
		econf, _, err := engineconfig.Load(configPath)
		if err != nil {
			return nil, nil, scheduler.Config{}, err
		}
		cfg.Parallelism = econf.Parallelism
		cfg.GraceTime = econf.GraceTime
		cfg.TempDir = econf.TempDir
	}

	return scheduler.New(reg, cfg), reg, cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	e, reg, cfg, err := buildEngine()
	if err != nil {
		return err
	}

	if loadPath != "" {
		if err := loadInto(e, reg, cfg); err != nil {
			return err
		}
		e.ResumePending(rootCtx)
	}

	if seedPath != "" {
		data, err := os.ReadFile(seedPath)
		if err != nil {
			return err
		}
		if _, _, err := e.Store().AddObject(data, "seed", blackboard.Parents{}); err != nil {
			return err
		}
	}

	if actionsTOMLPath != "" {
		opts, err := engineconfig.LoadComponentOptionsTOML(actionsTOMLPath)
		if err != nil {
			return err
		}
		slog.Default().Info("loaded TOML component options", "path", actionsTOMLPath, "keys", len(opts))
	}

	if watch && savePath != "" {
		go func() {
			if err := e.WatchPromotions(rootCtx, filepath.Dir(savePath)); err != nil {
				slog.Default().Error("watch: failed to start", "error", err)
			}
		}()
	}

	if err := e.Run(rootCtx); err != nil {
		return err
	}

	if savePath != "" {
		return writeSave(e, reg, cfg, savePath)
	}
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	if loadPath == "" {
		return fmt.Errorf("load requires --load")
	}
	e, reg, cfg, err := buildEngine()
	if err != nil {
		return err
	}
	if err := loadInto(e, reg, cfg); err != nil {
		return err
	}
	e.ResumePending(rootCtx)
	if err := e.Run(rootCtx); err != nil {
		return err
	}
	if savePath != "" {
		return writeSave(e, reg, cfg, savePath)
	}
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	if loadPath == "" {
		return fmt.Errorf("promote requires --load")
	}
	e, reg, cfg, err := buildEngine()
	if err != nil {
		return err
	}
	if err := loadInto(e, reg, cfg); err != nil {
		return err
	}
	var hypID int
	if _, err := fmt.Sscanf(args[0], "%d", &hypID); err != nil {
		return fmt.Errorf("invalid hyp id %q: %w", args[0], err)
	}
	if _, err := e.AcceptPromotion(rootCtx, hypID); err != nil {
		return err
	}
	if savePath != "" {
		return writeSave(e, reg, cfg, savePath)
	}
	return nil
}

func loadInto(e *scheduler.Engine, reg *registry.Registry, cfg scheduler.Config) error {
	f, err := os.Open(loadPath)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := snapshot.Load(f, cfg.EngineVersion)
	if err != nil {
		return err
	}
	return snapshot.Apply(doc, e.Store(), reg, e)
}

func writeSave(e *scheduler.Engine, reg *registry.Registry, cfg scheduler.Config, path string) error {
	doc := snapshot.Build(cfg.EngineVersion, e.Store(), reg.Names(), e.CloneRecords(), e.TemplateMemorySnapshot(), time.Now())
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return snapshot.Save(f, doc)
}
