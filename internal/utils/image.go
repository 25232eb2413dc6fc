package utils

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// --- 3. Frame Geometry & Encoding ---

// CropFractions trims each edge of a frame by a fraction of its size.
type CropFractions struct {
	Left   float64 `yaml:"left"`
	Right  float64 `yaml:"right"`
	Top    float64 `yaml:"top"`
	Bottom float64 `yaml:"bottom"`
}

// CropRect returns the region of bounds that survives the crop.
func (c CropFractions) CropRect(bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x1 := bounds.Min.X + int(float64(w)*c.Left)
	x2 := bounds.Min.X + int(float64(w)*(1-c.Right))
	y1 := bounds.Min.Y + int(float64(h)*c.Top)
	y2 := bounds.Min.Y + int(float64(h)*(1-c.Bottom))
	return image.Rect(x1, y1, x2, y2).Intersect(bounds)
}

// Crop copies the r region of img into a new image anchored at (0,0).
// Detector boxes come back in the coordinates of the encoded upload, which
// always starts at the origin, so frames never keep the source offset.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	dst := newLike(img, r.Dx(), r.Dy())
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// ResizeToWidth scales img to width keeping the aspect ratio. Images already
// at or below width keep their size. The result is always anchored at (0,0).
func ResizeToWidth(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width || b.Dx() == 0 {
		if b.Min == (image.Point{}) {
			return img
		}
		return Crop(img, b)
	}
	h := int(float64(b.Dy()) * float64(width) / float64(b.Dx()))
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// newLike allocates a zero-origin w x h image, grayscale for grayscale input.
func newLike(img image.Image, w, h int) draw.Image {
	r := image.Rect(0, 0, w, h)
	if _, ok := img.(*image.Gray); ok {
		return image.NewGray(r)
	}
	return image.NewRGBA(r)
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJPEGBase64 is EncodeJPEG followed by standard base64.
func EncodeJPEGBase64(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
