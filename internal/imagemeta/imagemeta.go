// Package imagemeta reads dimensions and format from an uploaded image
// without decoding its pixels.
package imagemeta

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"imgstudio/internal/domain"
)

const (
	OrientationPortrait  = "portrait"
	OrientationLandscape = "landscape"
	OrientationSquare    = "square"
)

// Inspect returns width, height, format and orientation of data.
func Inspect(data []byte) (domain.ImageMeta, error) {
	if len(data) == 0 {
		return domain.ImageMeta{}, fmt.Errorf("imagemeta: empty image")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.ImageMeta{}, fmt.Errorf("imagemeta: decode config: %w", err)
	}
	return domain.ImageMeta{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      format,
		Orientation: Orientation(cfg.Width, cfg.Height),
	}, nil
}

func Orientation(width, height int) string {
	switch {
	case width > height:
		return OrientationLandscape
	case height > width:
		return OrientationPortrait
	default:
		return OrientationSquare
	}
}
