package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// letterbox describes how a source image was fitted into the square model
// input: scaled by gain, then offset by the pad.
type letterbox struct {
	size       int
	srcW, srcH int
	newW, newH int
	gain       float64
	padX, padY int
}

func newLetterbox(srcW, srcH, size int) letterbox {
	gain := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))
	newW := max(1, int(math.Round(float64(srcW)*gain)))
	newH := max(1, int(math.Round(float64(srcH)*gain)))

	return letterbox{
		size: size,
		srcW: srcW,
		srcH: srcH,
		newW: newW,
		newH: newH,
		gain: gain,
		padX: int(math.Round(float64(size-newW)/2 - 0.1)),
		padY: int(math.Round(float64(size-newH)/2 - 0.1)),
	}
}

// apply resizes img and pastes it centred on a gray square canvas.
func (lb letterbox) apply(img image.Image) *image.NRGBA {
	var resized image.Image = img
	if lb.newW != lb.srcW || lb.newH != lb.srcH {
		resized = imaging.Resize(img, lb.newW, lb.newH, imaging.Linear)
	}

	canvas := imaging.New(lb.size, lb.size, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	return imaging.Paste(canvas, resized, image.Pt(lb.padX, lb.padY))
}

// unscale maps a model-space coordinate pair back onto the source image and
// clips it to the image bounds.
func (lb letterbox) unscale(x, y float32) (float32, float32) {
	sx := (float64(x) - float64(lb.padX)) / lb.gain
	sy := (float64(y) - float64(lb.padY)) / lb.gain
	sx = math.Min(math.Max(sx, 0), float64(lb.srcW))
	sy = math.Min(math.Max(sy, 0), float64(lb.srcH))
	return float32(sx), float32(sy)
}

// fillCHW writes img into dst as planar RGB scaled to [0,1]. Alpha is
// dropped. Rows are split across workers.
func fillCHW(dst []float32, img *image.NRGBA) {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	channelSize := width * height

	numWorkers := min(runtime.GOMAXPROCS(0), height)
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					p := src[x*4 : x*4+3]
					dst[i] = float32(p[0]) / 255.0
					dst[channelSize+i] = float32(p[1]) / 255.0
					dst[channelSize*2+i] = float32(p[2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
