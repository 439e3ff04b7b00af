package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidScale         = errors.New("scale must be 2, 4 or 8")
	ErrInvalidModel         = errors.New("unknown model family")
	ErrInvalidInterpolation = errors.New("interpolation factor must be 0, 2, 4 or 8 and is video only")
	ErrUnsupportedMedia     = errors.New("unsupported media type")
	ErrSourceMissing        = errors.New("source file does not exist")
)

// MediaType is derived from the source file extension.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// ModelFamily selects the upscaling network.
type ModelFamily string

const (
	ModelGeneral ModelFamily = "general"
	ModelAnime   ModelFamily = "anime"
	ModelFace    ModelFamily = "face"
)

var mediaByExt = map[string]MediaType{
	".png":  MediaImage,
	".jpg":  MediaImage,
	".jpeg": MediaImage,
	".bmp":  MediaImage,
	".gif":  MediaImage,
	".tif":  MediaImage,
	".tiff": MediaImage,
	".webp": MediaImage,
	".mp4":  MediaVideo,
	".mov":  MediaVideo,
	".mkv":  MediaVideo,
	".webm": MediaVideo,
	".avi":  MediaVideo,
}

// DetectMediaType maps a file name to image or video by extension.
func DetectMediaType(path string) (MediaType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mt, ok := mediaByExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMedia, ext)
	}
	return mt, nil
}

// Parameters is the immutable snapshot of upscale settings taken at enqueue.
type Parameters struct {
	Model               ModelFamily `json:"model"`
	Scale               int         `json:"scale"`
	FaceEnhance         bool        `json:"face_enhance"`
	InterpolationFactor int         `json:"interpolation_factor,omitempty"` // video only, 0 disables
}

// Validate checks the parameters against the supported ranges for mt.
func (p Parameters) Validate(mt MediaType) error {
	switch p.Model {
	case ModelGeneral, ModelAnime, ModelFace:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidModel, p.Model)
	}

	switch p.Scale {
	case 2, 4, 8:
	default:
		return fmt.Errorf("%w: got %d", ErrInvalidScale, p.Scale)
	}

	switch p.InterpolationFactor {
	case 0:
	case 2, 4, 8:
		if mt != MediaVideo {
			return fmt.Errorf("%w: source is %s", ErrInvalidInterpolation, mt)
		}
	default:
		return fmt.Errorf("%w: got %d", ErrInvalidInterpolation, p.InterpolationFactor)
	}

	return nil
}

// DefaultOutputPath places the result next to the source as
// <stem>_upscaled_<scale>x<ext>.
func DefaultOutputPath(source string, scale int) string {
	ext := filepath.Ext(source)
	stem := strings.TrimSuffix(filepath.Base(source), ext)
	return filepath.Join(filepath.Dir(source), fmt.Sprintf("%s_upscaled_%dx%s", stem, scale, ext))
}
