package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/worker/ipc"
)

// Errors returned by Upscale before any work is done.
var (
	ErrUnsupportedMedia = errors.New("media type not supported by this worker")
	ErrFFmpegMissing    = errors.New("ffmpeg is required for video jobs")
)

// Options configures the external tools used for video jobs.
type Options struct {
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"
}

// ProgressFunc receives overall progress in [0,1] and the current phase.
type ProgressFunc func(progress float64, phase string)

// Processor upscales one job at a time inside the worker process.
type Processor struct {
	ffmpeg  string
	ffprobe string
	log     zerolog.Logger
}

// New creates a new Processor.
func New(opts Options, log zerolog.Logger) *Processor {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	return &Processor{ffmpeg: opts.FFmpegPath, ffprobe: opts.FFprobePath, log: log}
}

// Upscale runs the job and writes the result to its output path. ctx is
// checked between passes and frames; a cancelled job leaves no output behind.
func (p *Processor) Upscale(ctx context.Context, job ipc.Job, report ProgressFunc) error {
	if report == nil {
		report = func(float64, string) {}
	}

	switch job.MediaType {
	case model.MediaImage:
		return p.upscaleImage(ctx, job, report)
	case model.MediaVideo:
		return p.upscaleVideo(ctx, job, report)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, job.MediaType)
	}
}

// upscaleImage resamples the source in 2x passes, optionally sharpens faces,
// and saves it in the format implied by the output file name.
func (p *Processor) upscaleImage(ctx context.Context, job ipc.Job, report ProgressFunc) error {
	params := job.Parameters

	format, err := imaging.FormatFromFilename(job.OutputPath)
	if err != nil {
		return fmt.Errorf("%w: cannot encode %s", ErrUnsupportedMedia, filepath.Ext(job.OutputPath))
	}

	// Load and decode the source.
	report(0, ipc.PhaseLoading)
	img, err := imaging.Open(job.SourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to load source image: %w", err)
	}

	passes := passesFor(params.Scale)
	if passes == 0 {
		return fmt.Errorf("%w: got %d", model.ErrInvalidScale, params.Scale)
	}
	filter := filterFor(params.Model)

	// Upscale in 2x steps; each step is one unit of progress.
	for i := range passes {
		if err := ctx.Err(); err != nil {
			return err
		}

		img = double(img, filter)
		report(0.1+0.7*float64(i+1)/float64(passes), ipc.PhaseUpscaling)
	}

	if params.Model == model.ModelFace || params.FaceEnhance {
		if err := ctx.Err(); err != nil {
			return err
		}
		report(0.8, ipc.PhaseEnhancing)
		img = enhance(img, params)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Encode straight into the final location through a temporary file.
	report(0.9, ipc.PhaseSaving)
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := saveAtomically(job.OutputPath, img, format); err != nil {
		return fmt.Errorf("failed to save upscaled image: %w", err)
	}

	b := img.Bounds()
	p.log.Info().
		Str("output", job.OutputPath).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Msg("image upscaled")

	report(1, ipc.PhaseSaving)
	return nil
}

// saveAtomically encodes img next to path and renames it into place.
func saveAtomically(path string, img image.Image, format imaging.Format) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644), renameio.WithTempDir(filepath.Dir(path)))
	if err != nil {
		return err
	}
	defer pf.Cleanup()

	if err := imaging.Encode(pf, img, format, imaging.JPEGQuality(95)); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// double resamples img to twice its size.
func double(img image.Image, filter imaging.ResampleFilter) image.Image {
	b := img.Bounds()
	return imaging.Resize(img, b.Dx()*2, b.Dy()*2, filter)
}

// upscaleFrame applies every pass and the enhancement of params to img.
func upscaleFrame(img image.Image, params model.Parameters) image.Image {
	filter := filterFor(params.Model)
	for range passesFor(params.Scale) {
		img = double(img, filter)
	}
	if params.Model == model.ModelFace || params.FaceEnhance {
		img = enhance(img, params)
	}
	return img
}

// passesFor returns how many 2x passes produce scale, or 0 if scale is not
// a supported power of two.
func passesFor(scale int) int {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// filterFor picks the resampling filter of a model family.
func filterFor(m model.ModelFamily) imaging.ResampleFilter {
	switch m {
	case model.ModelAnime:
		// Line art keeps crisper edges with a cubic filter.
		return imaging.CatmullRom
	default:
		return imaging.Lanczos
	}
}

// enhance sharpens facial detail. The face model always gets a light pass;
// FaceEnhance adds a stronger pass and a small contrast boost.
func enhance(img image.Image, params model.Parameters) image.Image {
	if params.Model == model.ModelFace {
		img = imaging.Sharpen(img, 0.6)
	}
	if params.FaceEnhance {
		img = imaging.Sharpen(img, 1.5)
		img = imaging.AdjustContrast(img, 4)
	}
	return img
}
