package quality

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// Grayscale copies the r region of img into a new *image.Gray whose bounds
// start at (0,0). YCbCr frames (what the JPEG decoder returns) use the luma
// plane directly; everything else goes through BT.601 conversion.
func Grayscale(img image.Image, r image.Rectangle) *image.Gray {
	r = r.Intersect(img.Bounds())
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	if r.Empty() {
		return out
	}

	if src, ok := img.(*image.YCbCr); ok {
		for y := 0; y < r.Dy(); y++ {
			off := src.YOffset(r.Min.X, r.Min.Y+y)
			copy(out.Pix[y*out.Stride:y*out.Stride+r.Dx()], src.Y[off:off+r.Dx()])
		}
		return out
	}

	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// Mean returns the mean intensity of g.
func Mean(g *image.Gray) float64 {
	n := g.Bounds().Dx() * g.Bounds().Dy()
	if n == 0 {
		return 0
	}
	var sum float64
	forEachPixel(g, func(v uint8) { sum += float64(v) })
	return sum / float64(n)
}

// StdDev returns the population standard deviation of the intensities of g.
func StdDev(g *image.Gray) float64 {
	n := g.Bounds().Dx() * g.Bounds().Dy()
	if n == 0 {
		return 0
	}
	mean := Mean(g)
	var acc float64
	forEachPixel(g, func(v uint8) {
		d := float64(v) - mean
		acc += d * d
	})
	return math.Sqrt(acc / float64(n))
}

// LaplacianVariance is the variance of the 4-neighbour Laplacian response
// over the interior of g. Images smaller than 3x3 have no interior and
// return 0.
func LaplacianVariance(g *image.Gray) float64 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 { return float64(g.Pix[y*g.Stride+x]) }

	n := float64((w - 2) * (h - 2))
	var sum, sumSq float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			l := at(x, y-1) + at(x-1, y) + at(x+1, y) + at(x, y+1) - 4*at(x, y)
			sum += l
			sumSq += l * l
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

// PadBBox grows b by frac of its width and height on every side and clamps
// the result to frame. The result may be empty.
func PadBBox(b types.BBox, frame image.Rectangle, frac float64) image.Rectangle {
	padX := int(float64(b.Width()) * frac)
	padY := int(float64(b.Height()) * frac)
	r := image.Rect(b.X1-padX, b.Y1-padY, b.X2+padX, b.Y2+padY)
	return r.Intersect(frame)
}

func forEachPixel(g *image.Gray, fn func(uint8)) {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, v := range row {
			fn(v)
		}
	}
}
