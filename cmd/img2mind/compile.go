package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ivlev/img2mind/internal/engine"
	"github.com/ivlev/img2mind/internal/report"
	"github.com/ivlev/img2mind/internal/source"
	"github.com/ivlev/img2mind/internal/system"
)

func newCompileCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile [paths...]",
		Short: "Compile images, directories and PDFs into target artifacts",
		Long: `Compile every image in the given paths into a target artifact.
Directories are scanned for images, PDF pages are rendered first.
With no paths the configured input directory is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, v, flagKeys{
				"compile.output_dir": "output",
				"compile.workers":    "workers",
				"compile.debug":      "debug",
				"compile.extractor":  "extractor",
				"compile.codec":      "codec",
				"module.location":    "module",
				"cache.enabled":      "cache",
			})
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			reportPath, _ := cmd.Flags().GetString("report")
			return a.runCompile(cmd, args, reportPath)
		},
	}

	f := cmd.Flags()
	f.StringP("output", "o", "", "output directory")
	f.IntP("workers", "w", 0, "parallel items (0 = physical CPUs)")
	f.BoolP("debug", "d", false, "write a feature overlay next to each artifact")
	f.String("extractor", "", "feature extractor: harris or wasm")
	f.String("codec", "", "artifact codec: binary or json")
	f.String("module", "", "compute module location: path, http(s) URL or s3://bucket/key")
	f.Bool("cache", false, "reuse artifacts from the sqlite cache")
	f.String("report", "", "write a YAML run report to this path")

	return cmd
}

func (a *app) runCompile(cmd *cobra.Command, args []string, reportPath string) error {
	cfg := a.cfg
	out := cmd.OutOrStdout()

	var (
		files []source.File
		err   error
	)
	if len(args) > 0 {
		files, err = source.Collect(args, float64(cfg.Compile.PDFDPI))
	} else {
		fmt.Fprintf(out, "%s Scanning %s\n", cyan("[*]"), cfg.Compile.InputDir)
		files, err = source.Dir(cfg.Compile.InputDir)
	}
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no images found")
	}

	if err := os.MkdirAll(cfg.Compile.OutputDir, 0755); err != nil {
		return err
	}

	cc, err := a.openCache(cmd)
	if err != nil {
		return err
	}
	if cc != nil {
		defer cc.Close()
	}

	compiler, err := a.newCompiler(cc)
	if err != nil {
		return err
	}
	defer compiler.Close(context.Background())

	fmt.Fprintf(out, "%s Compiling %d inputs with %s\n", cyan("[*]"), len(files), cfg.Module.Location)

	batch, err := compiler.CompileAll(cmd.Context(), files, engine.Options{
		Debug:   cfg.Compile.Debug,
		OnEvent: progress(out),
	})
	if batch == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(out, "%s Interrupted, %d inputs not started\n", yellow("[!]"), batch.Skipped)
	}

	rep := report.New(batch, cfg.Module.Location, hostStats(cmd.Context(), a.logger))
	if werr := writeOutputs(cfg.Compile.OutputDir, compiler.Codec().Ext(), batch, rep); werr != nil {
		return werr
	}
	if reportPath != "" {
		if werr := report.Write(rep, reportPath); werr != nil {
			return fmt.Errorf("write report: %w", werr)
		}
		fmt.Fprintf(out, "%s Report written to %s\n", cyan("[*]"), reportPath)
	}

	printSummary(out, batch)
	return err
}

func progress(w io.Writer) func(engine.Event) {
	return func(ev engine.Event) {
		switch ev.State {
		case engine.StateDone:
			fmt.Fprintf(w, "  %s %s\n", green("ok"), ev.Name)
		case engine.StateFailed:
			fmt.Fprintf(w, "  %s %s (%s): %v\n", red("fail"), ev.Name, ev.Stage, ev.Err)
		}
	}
}

// writeOutputs stores each artifact as <name><ext> and each overlay as
// <name>.debug.png, recording the paths in rep. Repeated names get the
// input index appended.
func writeOutputs(dir, ext string, batch *engine.BatchResult, rep *report.Report) error {
	used := make(map[string]bool, len(batch.Results))
	for _, res := range batch.Results {
		name := res.Name
		if used[name] {
			name = fmt.Sprintf("%s-%d", name, res.Index)
		}
		used[name] = true

		entry := rep.Entry(res.Index)
		path := filepath.Join(dir, name+ext)
		if err := os.WriteFile(path, res.Target, 0644); err != nil {
			return err
		}
		entry.Output = path

		if res.DebugOverlay != nil {
			path := filepath.Join(dir, name+".debug.png")
			if err := os.WriteFile(path, res.DebugOverlay, 0644); err != nil {
				return err
			}
			entry.Overlay = path
		}
	}
	return nil
}

func hostStats(ctx context.Context, logger *zap.Logger) system.Stats {
	stats, err := system.HostStats(ctx)
	if err != nil {
		logger.Warn("host stats unavailable", zap.Error(err))
	}
	return stats
}

func printSummary(w io.Writer, batch *engine.BatchResult) {
	cached := 0
	for _, r := range batch.Results {
		if r.Cached {
			cached++
		}
	}

	fmt.Fprintf(w, "\n%s Compiled %d, failed %d, cached %d in %s\n",
		green("[+++]"), len(batch.Results), len(batch.Failures), cached,
		batch.Timings.Total.Round(time.Millisecond))
	fmt.Fprintf(w, "    module sha256:%s (acquired in %s)\n",
		batch.ModuleDigest, batch.Timings.Acquire.Round(time.Millisecond))
	for _, f := range batch.Failures {
		fmt.Fprintf(w, "%s %s\n", yellow("[!]"), f.Error())
	}
}
