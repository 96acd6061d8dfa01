package imageloader

import (
	"bytes"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const placeholderSize = 64

var placeholderColor = color.NRGBA{R: 229, G: 229, B: 234, A: 255}

// Placeholder is delivered whenever a valid URL produced no usable image.
var Placeholder image.Image = imaging.New(placeholderSize, placeholderSize, placeholderColor)

func decodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrDecode{Err: errEmptyBody}
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ErrDecode{Err: err}
	}
	return img, nil
}
