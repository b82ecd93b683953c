package main

import (
	"fmt"
	"image"
	"log"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/maskrcnn/detector"
	"github.com/born-ml/maskrcnn/internal/dataset"
)

// trainOptions holds the flags of the train command.
type trainOptions struct {
	Epochs    int
	Layers    string
	MaxShapes int
	Evaluate  int
	Progress  bool
}

var trainOpts trainOptions

var trainCmd = &cobra.Command{
	Use:     "train",
	Short:   "Train on synthetic shapes and detect on fresh samples",
	PreRunE: withStore,
	PostRun: closeStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.NumClasses != dataset.NumClasses {
			return errors.Errorf("shapes data has %d classes, config has %d", dataset.NumClasses, cfg.NumClasses)
		}
		d, err := detector.New(cfg)
		if err != nil {
			return err
		}
		log.Printf("%s: %s on %dx%d, %d parameters", cfg.Name, cfg.Backbone, cfg.ImageWidth, cfg.ImageHeight, d.NumParameters())

		opts := detector.TrainOptions{
			Layers: trainOpts.Layers,
			Store:  db,
			Logger: log.Default(),
		}
		if trainOpts.Progress {
			opts.Progress = os.Stderr
		}
		ctx := cmd.Context()
		mean, err := d.Train(ctx, detector.ShapesSource(cfg, trainOpts.MaxShapes), trainOpts.Epochs, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "final %s\n", mean)

		if trainOpts.Evaluate <= 0 {
			return nil
		}
		gen := dataset.NewGenerator(cfg.ImageWidth, cfg.ImageHeight, trainOpts.MaxShapes)
		rng := rand.New(rand.NewSource(cfg.Seed + 2))
		names := make([]string, trainOpts.Evaluate)
		images := make([]image.Image, trainOpts.Evaluate)
		for i := range images {
			names[i] = fmt.Sprintf("shapes-%03d", i)
			images[i] = gen.Generate(rng).Image
		}
		id, instances, err := d.DetectAndStore(ctx, db, names, images)
		if err != nil {
			return err
		}
		printInstances(cmd, id, names, instances, dataset.ClassNames)
		return nil
	},
}

func init() {
	trainCmd.Flags().IntVarP(&trainOpts.Epochs, "epochs", "e", 1, "training epochs")
	trainCmd.Flags().StringVarP(&trainOpts.Layers, "layers", "l", detector.LayersAll, "trainable layers: heads, 3+, 4+, 5+ or all")
	trainCmd.Flags().IntVar(&trainOpts.MaxShapes, "max-shapes", 3, "maximum shapes per synthetic image")
	trainCmd.Flags().IntVar(&trainOpts.Evaluate, "evaluate", 4, "synthetic images to detect on after training")
	trainCmd.Flags().BoolVar(&trainOpts.Progress, "progress", true, "show a progress bar")
	rootCmd.AddCommand(trainCmd)
}
