package main

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/born-ml/maskrcnn/detector"
	"github.com/born-ml/maskrcnn/internal/imageutil"
)

var detectCmd = &cobra.Command{
	Use:     "detect IMAGE...",
	Short:   "Detect instances in image files",
	Args:    cobra.MinimumNArgs(1),
	PreRunE: withStore,
	PostRun: closeStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := detector.New(cfg)
		if err != nil {
			return err
		}
		images := make([]image.Image, len(args))
		names := make([]string, len(args))
		for i, path := range args {
			if images[i], err = imageutil.Load(path); err != nil {
				return err
			}
			names[i] = filepath.Base(path)
		}
		id, instances, err := d.DetectAndStore(cmd.Context(), db, names, images)
		if err != nil {
			return err
		}
		printInstances(cmd, id, names, instances, nil)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

// printInstances writes one line per instance. classNames may be nil.
func printInstances(cmd *cobra.Command, runID string, names []string, instances [][]detector.Instance, classNames []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s\n", runID)
	for i, name := range names {
		fmt.Fprintf(out, "%s: %d instances\n", name, len(instances[i]))
		for _, inst := range instances[i] {
			label := fmt.Sprintf("class %d", inst.ClassID)
			if inst.ClassID < len(classNames) {
				label = classNames[inst.ClassID]
			}
			area := 0
			if inst.Mask != nil {
				area = imageutil.MaskArea(inst.Mask)
			}
			b := inst.Box
			fmt.Fprintf(out, "  %-10s %.3f  (%.1f, %.1f, %.1f, %.1f)  mask %d px\n",
				label, inst.Score, b.X1, b.Y1, b.X2, b.Y2, area)
		}
	}
}
