package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Veraticus/mriseg/internal/classes"
	"github.com/Veraticus/mriseg/internal/config"
	"github.com/Veraticus/mriseg/internal/export"
	"github.com/Veraticus/mriseg/internal/segment"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

type segmentFlags struct {
	out        string
	format     string
	layer      string
	sliceIndex int
	alpha      float64
}

func newSegmentCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var flags segmentFlags

	cmd := &cobra.Command{
		Use:   "segment <file>",
		Short: "Segment one file offline and write the result",
		Long: "Segment a NIfTI volume or PNG/JPEG image without starting the server.\n" +
			"Per-class statistics are printed; the encoded result is written to --out.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cmd.ErrOrStderr(), cfg.Log); err != nil {
				return err
			}
			return segmentFile(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], flags)
		},
	}
	cmd.Flags().StringVarP(&flags.out, "out", "o", "", "Output path (default: segmentation_<session>.<ext> in the working directory)")
	cmd.Flags().StringVar(&flags.format, "format", string(export.FormatNIfTI), "Output format: nifti or png")
	cmd.Flags().StringVar(&flags.layer, "layer", string(export.LayerMask), "PNG layer: mask or overlay")
	cmd.Flags().IntVar(&flags.sliceIndex, "slice", -1, "PNG slice index (default: middle slice)")
	cmd.Flags().Float64Var(&flags.alpha, "alpha", 0.5, "PNG overlay blend factor")
	return cmd
}

// segmentFile runs the same pipeline as the HTTP service against a private
// in-memory store.
func segmentFile(ctx context.Context, w io.Writer, cfg config.Config, path string, flags segmentFlags) error {
	format, err := export.ParseFormat(flags.format)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	vol, err := volume.NewLoader(cfg.Files.MaxBytes()).Load(filepath.Base(path), data)
	if err != nil {
		return err
	}

	store := session.NewStore(session.Options{MaxSessions: 1})
	defer store.Close()

	model, err := newModel(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}

	dispatcher := segment.NewDispatcher(segment.DispatcherConfig{Workers: 1, QueueDepth: 1})
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	orch, err := segment.NewOrchestrator(store, model, dispatcher, segment.Config{
		InputSize:   cfg.Model.InputSize,
		DisplaySize: cfg.Model.DisplaySize,
		BatchSize:   cfg.Model.BatchSize,
		NumClasses:  cfg.Model.NumClasses,
		Timeout:     cfg.Model.Timeout,
	})
	if err != nil {
		return err
	}

	sess, err := store.Create(vol)
	if err != nil {
		return err
	}
	outcome, err := orch.Run(ctx, sess.ID)
	if err != nil {
		return err
	}

	req := export.Request{Format: format, Layer: export.Layer(flags.layer), Alpha: flags.alpha}
	if format == export.FormatPNG {
		req.SliceIndex = flags.sliceIndex
		if req.SliceIndex < 0 {
			req.SliceIndex = vol.NumSlices() / 2
		}
	}
	blob, err := export.NewEncoder(store).Export(sess.ID, req)
	if err != nil {
		return err
	}

	out := flags.out
	if out == "" {
		out = blob.Filename
	}
	if err := os.WriteFile(out, blob.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Fprintf(w, "%s: %d slices in %.2f ms -> %s (%s)\n",
		vol.Filename, outcome.NumSlices, outcome.ProcessingTimeMS(), out, humanize.Bytes(uint64(len(blob.Data))))
	return printStats(w, outcome.Statistics)
}

func printStats(w io.Writer, stats []classes.Stat) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLASS\tPIXELS\tPERCENT")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f%%\n", s.ClassID, s.ClassName, humanize.Comma(s.PixelCount), s.Percentage)
	}
	return tw.Flush()
}

func newClassesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classes",
		Short: "List segmentation classes and their colors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printClasses(cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func printClasses(w io.Writer, asJSON bool) error {
	defs := classes.All()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFULL NAME\tCOLOR")
	for _, d := range defs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.ID, d.Name, d.FullName, d.Hex())
	}
	return tw.Flush()
}
