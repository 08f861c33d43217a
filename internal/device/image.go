package device

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// Terminal limits for face images: 600x900 px, 150KB, JPEG only.
const (
	maxImageWidth  = 600
	maxImageHeight = 900
	maxImageBytes  = 150 * 1024

	startQuality = 90
	minQuality   = 50
	qualityStep  = 10
)

// NormalizeImage bounds the image to the terminal limits before any network
// call. A JPEG already within bounds passes through untouched. Anything
// undecodable, or still over the byte limit at minimum quality, fails with
// ErrImageInvalid; nothing is ever partially uploaded.
func NormalizeImage(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageInvalid)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrImageInvalid, err)
	}

	needsResize := cfg.Width > maxImageWidth || cfg.Height > maxImageHeight
	needsCompress := len(data) > maxImageBytes

	if format == "jpeg" && !needsResize && !needsCompress {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrImageInvalid, err)
	}

	if needsResize {
		img = scaleToFit(img, maxImageWidth, maxImageHeight)
	} else {
		// Terminals reject alpha channels, flatten onto white regardless.
		img = flatten(img)
	}

	for q := startQuality; q >= minQuality; q -= qualityStep {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("%w: encode: %v", ErrImageInvalid, err)
		}
		if buf.Len() <= maxImageBytes {
			return buf.Bytes(), nil
		}
	}

	return nil, fmt.Errorf("%w: image exceeds %dKB after recompression", ErrImageInvalid, maxImageBytes/1024)
}

// scaleToFit downsizes preserving aspect ratio, flattening onto white.
func scaleToFit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	ratio := float64(maxW) / float64(w)
	if r := float64(maxH) / float64(h); r < ratio {
		ratio = r
	}
	if ratio > 1 {
		ratio = 1
	}

	nw := int(float64(w) * ratio)
	nh := int(float64(h) * ratio)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
