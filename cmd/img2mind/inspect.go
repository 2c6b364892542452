package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivlev/img2mind/internal/system"
	"github.com/ivlev/img2mind/internal/target"
)

func newInspectCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [artifact]",
		Short: "Print the header of a compiled artifact",
		Long:  "Print the header of a compiled artifact. With no argument the newest artifact in the output directory is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, v, flagKeys{"compile.output_dir": "output"})
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				path, err = system.FindLatest(a.cfg.Compile.OutputDir, target.BinaryCodec{}.Ext(), target.JSONCodec{}.Ext())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Selected %s\n", cyan("[*]"), path)
			}
			return inspect(cmd.OutOrStdout(), path)
		},
	}
	cmd.Flags().StringP("output", "o", "", "directory searched when no artifact is given")
	return cmd
}

func inspect(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var codec target.Codec = target.BinaryCodec{}
	if strings.EqualFold(filepath.Ext(path), target.JSONCodec{}.Ext()) {
		codec = target.JSONCodec{}
	}
	a, err := codec.Decode(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	fmt.Fprintf(w, "file:       %s (%d bytes, %s)\n", path, len(data), codec.Name())
	fmt.Fprintf(w, "version:    %s\n", a.Version())
	fmt.Fprintf(w, "size:       %dx%d\n", a.Width, a.Height)
	fmt.Fprintf(w, "features:   %d\n", len(a.Features))
	fmt.Fprintf(w, "extractor:  %s\n", a.Extractor)
	fmt.Fprintf(w, "module:     sha256:%s\n", a.ModuleDigest)
	fmt.Fprintf(w, "sha256:     %s\n", target.Digest(data))
	return nil
}
