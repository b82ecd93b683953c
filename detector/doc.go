// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package detector provides Mask R-CNN instance segmentation.
//
// # Overview
//
// A Detector owns one network and runs it in two modes:
//   - Train: optimize on a stream of examples (synthetic shapes by default)
//   - Detect: find instances in images, returning boxes, scores, class ids
//     and binary masks in source image coordinates
//
// # Basic Usage
//
//	import "github.com/born-ml/maskrcnn/detector"
//
//	func main() {
//	    cfg := detector.TinyConfig(detector.ShapesClasses)
//	    d, err := detector.New(cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Train on synthetic shapes
//	    if _, err := d.Train(ctx, detector.ShapesSource(cfg, 3), 2, detector.TrainOptions{}); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Detect
//	    img, _ := detector.LoadImage("shapes.png")
//	    instances, err := d.Detect(img)
//	}
//
// # Configuration
//
// Configurations are YAML documents layered over DefaultConfig:
//
//	name: shapes
//	num_classes: 4
//	image_height: 128
//	image_width: 128
//	backbone: resnet50
//
// Weights are initialized from the configured seed; there is no checkpoint
// format.
package detector
