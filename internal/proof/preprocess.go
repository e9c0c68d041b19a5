package proof

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	// decoders for the formats phones and browsers upload
	_ "image/gif"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const (
	startQuality = 90
	minQuality   = 40
	qualityStep  = 10
)

// compress bounds recognition cost: the longest edge is scaled down to
// maxEdge and the JPEG quality lowered until the output fits targetBytes or
// the quality floor is reached. Images over maxPixels are refused from their
// header, a few KiB of PNG can declare gigabytes of pixels.
func compress(data []byte, maxEdge, targetBytes int, maxPixels int64) ([]byte, error) {
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Wrap(err, "decode upload header")
	}
	if px := int64(hdr.Width) * int64(hdr.Height); px > maxPixels {
		return nil, xerrors.Errorf("%w: %dx%d", ErrTooManyPixels, hdr.Width, hdr.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Wrap(err, "decode upload")
	}

	img := downscale(src, maxEdge)

	var buf bytes.Buffer
	for q := startQuality; ; q -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, xerrors.Wrap(err, "encode jpeg")
		}
		if buf.Len() <= targetBytes || q-qualityStep < minQuality {
			break
		}
	}
	return buf.Bytes(), nil
}

func downscale(src image.Image, maxEdge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxEdge {
		return src
	}
	scale := float64(maxEdge) / float64(longest)
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// grayLevel is the Rec.601 luma of an 8-bit pixel
func grayLevel(r, g, b uint8) uint8 {
	v := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return uint8(math.Min(255, math.RoundToEven(v)))
}

// grayscale decodes data, converts every pixel with grayLevel and encodes PNG.
// Its input is compress output, so it is already bounded by maxEdge.
func grayscale(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Wrap(err, "decode compressed image")
	}

	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: grayLevel(c.R, c.G, c.B)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, xerrors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}
