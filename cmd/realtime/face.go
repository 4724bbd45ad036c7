package main

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/example/emotune/internal/imageprocessor"
)

// faceImage copies the face region of gray into its own model-sized Mat.
// A Region shares the parent's rows, so it is not continuous and ToImage
// rejects it.
func faceImage(gray gocv.Mat, rect image.Rectangle) (image.Image, error) {
	roi := gray.Region(rect)
	defer roi.Close()

	crop := gocv.NewMat()
	defer crop.Close()
	gocv.Resize(roi, &crop, image.Pt(imageprocessor.Size, imageprocessor.Size), 0, 0, gocv.InterpolationLinear)

	return crop.ToImage()
}
