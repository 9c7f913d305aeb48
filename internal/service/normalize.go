package service

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"gif-forge/internal/apperr"
	"gif-forge/internal/model"
)

const (
	fallbackWidth  = 832
	fallbackHeight = 480

	// maxSeedPixels bounds decoded seed images.
	maxSeedPixels = 40_000_000
)

// ComputeDimensions picks output dimensions that keep the source aspect ratio
// (height/width), fit within maxArea pixels, and are multiples of the
// pipeline modulus on both sides.
func ComputeDimensions(srcW, srcH, maxArea int, f model.ScaleFactors) (model.Dimensions, error) {
	const op = "normalize.dimensions"
	if srcW <= 0 || srcH <= 0 {
		return model.Dimensions{}, apperr.New(apperr.KindInvalidRequest, op, "image has no pixels")
	}
	if f.SpatialScale <= 0 || f.PatchSize <= 0 {
		return model.Dimensions{}, apperr.New(apperr.KindInvalidRequest, op, "pipeline scale factors must be positive")
	}
	mod := f.Mod()
	if maxArea < mod*mod {
		return model.Dimensions{}, apperr.New(apperr.KindInvalidRequest, op, "pixel budget is smaller than one modulus block")
	}

	area := float64(maxArea)
	ratio := float64(srcH) / float64(srcW)
	h := int(math.Round(math.Sqrt(area*ratio))) / mod * mod
	w := int(math.Round(math.Sqrt(area/ratio))) / mod * mod
	if h < mod {
		h = mod
	}
	if w < mod {
		w = mod
	}
	// rounding up before flooring can overshoot the budget slightly
	for w*h > maxArea {
		if w >= h && w > mod {
			w -= mod
		} else if h > mod {
			h -= mod
		} else {
			break
		}
	}
	return model.Dimensions{Width: w, Height: h}, nil
}

// Normalize resizes img to the dimensions chosen by ComputeDimensions.
func Normalize(img image.Image, maxArea int, f model.ScaleFactors) (image.Image, model.Dimensions, error) {
	b := img.Bounds()
	dims, err := ComputeDimensions(b.Dx(), b.Dy(), maxArea, f)
	if err != nil {
		return nil, model.Dimensions{}, err
	}
	return imaging.Resize(img, dims.Width, dims.Height, imaging.Lanczos), dims, nil
}

// FallbackImage is the seed used when a request carries no image: the file
// at path when set, otherwise a black 832x480 frame.
func FallbackImage(path string) (image.Image, error) {
	if strings.TrimSpace(path) == "" {
		return imaging.New(fallbackWidth, fallbackHeight, color.Black), nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "normalize.fallback", "open fallback image", err)
	}
	return img, nil
}

// ResolveSeed decodes the request image or falls back. The bool reports
// whether the fallback was used.
func ResolveSeed(raw *string, fallbackPath string) (image.Image, bool, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		img, err := FallbackImage(fallbackPath)
		return img, true, err
	}
	img, err := DecodeDataURL(*raw)
	return img, false, err
}

// DecodeDataURL accepts "data:image/<type>;base64,<payload>" or a bare
// base64 payload in any registered format (png, jpeg, gif, webp).
func DecodeDataURL(s string) (image.Image, error) {
	const op = "normalize.decode"
	payload := strings.TrimSpace(s)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, apperr.New(apperr.KindInvalidRequest, op, "data URL has no payload")
		}
		header := payload[len("data:"):comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, apperr.New(apperr.KindInvalidRequest, op, "data URL must be base64 encoded")
		}
		if !strings.HasPrefix(header, "image/") {
			return nil, apperr.New(apperr.KindInvalidRequest, op, "data URL is not an image")
		}
		payload = payload[comma+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidRequest, op, "invalid base64 image", err)
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, op, "unsupported image", err)
	}
	if cfg.Width*cfg.Height > maxSeedPixels {
		return nil, apperr.New(apperr.KindInvalidRequest, op, "image is too large")
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, op, "decode image", err)
	}
	return img, nil
}

// EncodeDataURL renders img as a PNG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", apperr.Wrap(apperr.KindIO, "normalize.encode", "encode png", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
