package attachment

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/jdeng/goheif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // non-HEIC container formats the chat store hands back alongside JPEG/PNG

	"github.com/edgebridge/relay/internal/model"
)

// JPEGTranscoder downscales and re-encodes images to a JPEG whose
// longest edge is bounded and whose byte size targets the 5 MiB cap,
// stepping the quality down until the target is met or exhausted.
//
// HEIC/HEIF decoding goes through goheif, a pure-Go HEIC reader, rather
// than the stdlib image.Decode registry: it is not a registered
// image.Decode format, so isHeavyContainer's mime check routes HEIC
// input to it directly, keeping this relay cgo-free (no libheif
// binding needed).
type JPEGTranscoder struct{}

func NewJPEGTranscoder() *JPEGTranscoder { return &JPEGTranscoder{} }

func (JPEGTranscoder) Normalize(data []byte, mimeType string, maxLongestEdge int) ([]byte, error) {
	img, err := decodeSource(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", model.ErrAttachmentTooLarge, mimeType, err)
	}

	img = scaleToFit(img, maxLongestEdge)

	for _, quality := range []int{85, 70, 55, 40} {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("%w: encode jpeg: %v", model.ErrAttachmentTooLarge, err)
		}
		if buf.Len() <= model.MaxNormalizedBytes {
			return buf.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("%w: could not reach size target at any quality step", model.ErrAttachmentTooLarge)
}

// decodeSource dispatches HEIC/HEIF containers to goheif and everything
// else to the stdlib image.Decode registry (jpeg and png, plus the
// bmp/tiff/webp decoders registered above).
func decodeSource(data []byte, mimeType string) (image.Image, error) {
	if isHeavyContainer(mimeType) {
		return goheif.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// scaleToFit returns img unchanged if already within bounds, otherwise a
// nearest-neighbor downscale to maxEdge on its longest side. A dedicated
// resampling library is not pulled in since one nearest-neighbor pass is
// sufficient for the upload-size target this path exists for.
func scaleToFit(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if maxEdge <= 0 || longest <= maxEdge {
		return img
	}

	scale := float64(maxEdge) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		srcY := bounds.Min.Y + y*h/newH
		for x := 0; x < newW; x++ {
			srcX := bounds.Min.X + x*w/newW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
