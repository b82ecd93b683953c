package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/maskrcnn/internal/anchor"
)

var showAnchors int

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Print the anchor layout of the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		anchors := anchor.Generate(cfg, cfg.ImageHeight, cfg.ImageWidth)
		fmt.Fprintf(out, "input %dx%d, %d anchors\n", cfg.ImageWidth, cfg.ImageHeight, len(anchors))

		ratios := len(cfg.RPNAnchorRatios)
		offset := 0
		for i, shape := range cfg.FeatureShapes() {
			rows := (shape[0] + cfg.RPNAnchorStride - 1) / cfg.RPNAnchorStride
			cols := (shape[1] + cfg.RPNAnchorStride - 1) / cfg.RPNAnchorStride
			n := rows * cols * ratios
			fmt.Fprintf(out, "P%d stride %3d scale %6.1f  %3dx%-3d  %d anchors\n",
				i+2, cfg.BackboneStrides[i], cfg.RPNAnchorScales[i], shape[1], shape[0], n)
			for _, a := range anchors[offset:min(offset+showAnchors, offset+n)] {
				fmt.Fprintf(out, "    (%.1f, %.1f, %.1f, %.1f)\n", a.X1, a.Y1, a.X2, a.Y2)
			}
			offset += n
		}
		return nil
	},
}

func init() {
	anchorsCmd.Flags().IntVarP(&showAnchors, "show", "n", 0, "anchors to print per level")
	rootCmd.AddCommand(anchorsCmd)
}
