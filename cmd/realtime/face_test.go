//go:build gocv

package main

import (
	"image"
	"testing"

	"gocv.io/x/gocv"

	"github.com/example/emotune/internal/imageprocessor"
)

func TestFaceImageFromInteriorRegion(t *testing.T) {
	gray := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC1)
	defer gray.Close()
	for y := 0; y < gray.Rows(); y++ {
		for x := 0; x < gray.Cols(); x++ {
			gray.SetUCharAt(y, x, uint8(x+y))
		}
	}

	// An interior rect is a non-continuous view into gray.
	face, err := faceImage(gray, image.Rect(30, 20, 110, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b := face.Bounds(); b.Dx() != imageprocessor.Size || b.Dy() != imageprocessor.Size {
		t.Fatalf("unexpected bounds: %v", b)
	}
	if _, ok := face.(*image.Gray); !ok {
		t.Fatalf("expected a grayscale image, got %T", face)
	}
}
