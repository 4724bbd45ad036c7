package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// Size is the spatial edge length the classifier was trained on.
const Size = 48

// ErrDecode marks input bytes that are not a decodable raster image.
var ErrDecode = errors.New("image decode failed")

// DecodeError carries the decoder's reason for rejecting the input.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Tensor is a dense NHWC float tensor.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// Preprocess decodes raw image bytes into the canonical (1, 48, 48, 1) tensor.
func Preprocess(data []byte) (*Tensor, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: errors.New("empty image")}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return FromImage(img), format, nil
}

// FromImage converts an already decoded image into the canonical tensor:
// luma grayscale, bilinear resize to 48x48, intensities scaled to [0,1].
func FromImage(img image.Image) *Tensor {
	gray := toGray(img)
	resized := resize.Resize(Size, Size, gray, resize.Bilinear)

	bounds := resized.Bounds()
	data := make([]float32, Size*Size)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			px := color.GrayModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			data[y*Size+x] = float32(px.Y) / 255.0
		}
	}

	return &Tensor{
		Shape: [4]int{1, Size, Size, 1},
		Data:  data,
	}
}

// toGray drops alpha before the luma transform: a transparent white pixel
// stays white. Colour channels hidden under zero alpha in a premultiplied
// source are already lost and come out black.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			gray.Set(x, y, color.GrayModel.Convert(c))
		}
	}
	return gray
}
