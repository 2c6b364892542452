package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ivlev/img2mind/internal/cache"
	"github.com/ivlev/img2mind/internal/config"
	"github.com/ivlev/img2mind/internal/engine"
	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/overlay"
	"github.com/ivlev/img2mind/internal/system"
	"github.com/ivlev/img2mind/internal/target"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("[-]"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "img2mind",
		Short:         "Compile images into .mind image-tracking targets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "YAML config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	root.AddCommand(newCompileCmd(v), newServeCmd(v), newInspectCmd(v))
	return root
}

// app is the resolved runtime shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

// flagKeys maps config keys to the command flags overriding them.
type flagKeys map[string]string

// setup binds the running command's flags into v, then resolves config and
// logger. Subcommands bind the same keys, so only the running one may bind.
func setup(cmd *cobra.Command, v *viper.Viper, keys flagKeys) (*app, error) {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", name, err)
		}
	}

	base := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		base = loaded
	}

	cfg, err := config.Resolve(v, base)
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	system.InitResourceLimits(logger)
	return &app{cfg: cfg, logger: logger}, nil
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openCache opens the artifact cache when enabled and drops entries older
// than cache.max_age.
func (a *app) openCache(cmd *cobra.Command) (*cache.Cache, error) {
	if !a.cfg.Cache.Enabled {
		return nil, nil
	}
	cc, err := cache.Open(a.cfg.Cache.Path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if a.cfg.Cache.MaxAge > 0 {
		cutoff := time.Now().Add(-a.cfg.Cache.MaxAge)
		n, err := cc.Prune(cmd.Context(), cutoff)
		if err != nil {
			cc.Close()
			return nil, fmt.Errorf("prune cache: %w", err)
		}
		if n > 0 {
			a.logger.Info("pruned cache", zap.Int64("entries", n))
		}
	}
	return cc, nil
}

// newCompiler wires the module provider, extractor, codec and overlay
// settings from the resolved config.
func (a *app) newCompiler(cc *cache.Cache) (*engine.Compiler, error) {
	cfg := a.cfg

	src, err := module.ParseSource(cfg.Module.Location)
	if err != nil {
		return nil, err
	}
	provider := module.NewProvider(src,
		module.WithLogger(a.logger),
		module.WithMemoryLimitPages(cfg.Module.MemoryLimitPages),
		module.WithFetchTimeout(cfg.Module.FetchTimeout),
	)

	extractor, err := feature.NewExtractor(cfg.Compile.Extractor, feature.Options{
		MaxFeatures: cfg.Compile.MaxFeatures,
		Threshold:   cfg.Compile.Threshold,
		BlurRadius:  cfg.Compile.BlurRadius,
		K:           cfg.Compile.HarrisK,
	})
	if err != nil {
		return nil, err
	}
	codec, err := target.CodecByName(cfg.Compile.Codec)
	if err != nil {
		return nil, err
	}
	markers, err := config.ParseColor(cfg.Overlay.Color)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithExtractor(extractor),
		engine.WithCodec(codec),
		engine.WithLogger(a.logger),
		engine.WithWorkers(cfg.Compile.Workers),
		engine.WithMaxPixels(cfg.Compile.MaxPixels),
		engine.WithOverlay(overlay.Options{Radius: cfg.Overlay.Radius, Color: markers}, cfg.Overlay.QRStamp),
	}
	if cc != nil {
		opts = append(opts, engine.WithCache(cc))
	}
	return engine.New(provider, opts...), nil
}
