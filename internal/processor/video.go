package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/worker/ipc"
)

const framePattern = "frame_%08d.png"

// Used when ffprobe cannot tell the frame rate.
var defaultFrameRate = frameRate{num: 30, den: 1}

// frameRate is a rational frames-per-second value as ffmpeg reports it.
type frameRate struct {
	num, den int
}

func (r frameRate) String() string {
	return fmt.Sprintf("%d/%d", r.num, r.den)
}

// times multiplies the rate by an interpolation factor.
func (r frameRate) times(factor int) frameRate {
	return frameRate{num: r.num * factor, den: r.den}
}

// parseFrameRate parses "30000/1001" or "25" style rates.
func parseFrameRate(s string) (frameRate, error) {
	s = strings.TrimSpace(s)
	numStr, denStr, found := strings.Cut(s, "/")
	if !found {
		denStr = "1"
	}

	num, err := strconv.Atoi(numStr)
	if err != nil {
		return frameRate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	den, err := strconv.Atoi(denStr)
	if err != nil {
		return frameRate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if num <= 0 || den <= 0 {
		return frameRate{}, fmt.Errorf("invalid frame rate %q", s)
	}
	return frameRate{num: num, den: den}, nil
}

// upscaleVideo extracts the frames of the source with ffmpeg, upscales them
// one by one, inserts blended frames when interpolation is requested and
// encodes the result, keeping the source audio.
func (p *Processor) upscaleVideo(ctx context.Context, job ipc.Job, report ProgressFunc) error {
	params := job.Parameters
	if passesFor(params.Scale) == 0 {
		return fmt.Errorf("%w: got %d", model.ErrInvalidScale, params.Scale)
	}
	if _, err := exec.LookPath(p.ffmpeg); err != nil {
		return fmt.Errorf("%w: %w", ErrFFmpegMissing, err)
	}

	outDir := filepath.Dir(job.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Work next to the output so the final rename stays on one file system.
	work, err := os.MkdirTemp(outDir, ".upscale-"+job.TaskID+"-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	srcFrames := filepath.Join(work, "src")
	dstFrames := filepath.Join(work, "dst")
	for _, dir := range []string{srcFrames, dstFrames} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create work directory: %w", err)
		}
	}

	// Extract frames.
	report(0, ipc.PhaseLoading)
	rate := p.readFrameRate(ctx, job.SourcePath)
	if err := p.runFFmpeg(ctx, "-i", job.SourcePath, "-vsync", "0", filepath.Join(srcFrames, framePattern)); err != nil {
		return fmt.Errorf("failed to extract frames: %w", err)
	}

	frames, err := filepath.Glob(filepath.Join(srcFrames, "frame_*.png"))
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("no frames extracted from source video")
	}
	report(0.1, ipc.PhaseUpscaling)

	// Upscale every frame, blending in-between frames when interpolating.
	factor := max(1, params.InterpolationFactor)
	out := &frameSink{dir: dstFrames}
	var prev image.Image

	for i, path := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := imaging.Open(path)
		if err != nil {
			return fmt.Errorf("failed to load frame %d: %w", i+1, err)
		}
		img = upscaleFrame(img, params)

		if prev != nil {
			for j := 1; j < factor; j++ {
				if err := out.write(blend(prev, img, float64(j)/float64(factor))); err != nil {
					return err
				}
			}
		}
		if err := out.write(img); err != nil {
			return err
		}
		prev = img

		_ = os.Remove(path)
		report(0.1+0.75*float64(i+1)/float64(len(frames)), ipc.PhaseUpscaling)
	}

	// Encode into the work directory, then move the finished file into place.
	report(0.9, ipc.PhaseSaving)
	encoded := filepath.Join(work, "encoded"+filepath.Ext(job.OutputPath))
	args := []string{
		"-framerate", rate.times(factor).String(),
		"-i", filepath.Join(dstFrames, framePattern),
		"-i", job.SourcePath,
		"-map", "0:v:0", "-map", "1:a?",
		"-shortest",
	}
	args = append(args, videoCodecArgs(job.OutputPath)...)
	args = append(args, encoded)
	if err := p.runFFmpeg(ctx, args...); err != nil {
		return fmt.Errorf("failed to encode video: %w", err)
	}
	if err := os.Rename(encoded, job.OutputPath); err != nil {
		return fmt.Errorf("failed to move video into place: %w", err)
	}

	p.log.Info().
		Str("output", job.OutputPath).
		Int("source_frames", len(frames)).
		Int("frames", out.n).
		Stringer("frame_rate", rate.times(factor)).
		Msg("video upscaled")

	report(1, ipc.PhaseSaving)
	return nil
}

// readFrameRate asks ffprobe for the frame rate of the first video stream.
func (p *Processor) readFrameRate(ctx context.Context, path string) frameRate {
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)

	outBytes, err := cmd.Output()
	if err != nil {
		p.log.Warn().Err(err).Stringer("frame_rate", defaultFrameRate).Msg("ffprobe failed, using default frame rate")
		return defaultFrameRate
	}
	rate, err := parseFrameRate(string(outBytes))
	if err != nil {
		p.log.Warn().Err(err).Stringer("frame_rate", defaultFrameRate).Msg("unusable frame rate, using default")
		return defaultFrameRate
	}
	return rate
}

// runFFmpeg runs ffmpeg quietly; its error output becomes part of the error.
func (p *Processor) runFFmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.ffmpeg, append([]string{"-hide_banner", "-nostdin", "-v", "error", "-y"}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}

// videoCodecArgs picks an encoder the output container accepts.
func videoCodecArgs(output string) []string {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".webm":
		return []string{"-c:v", "libvpx-vp9", "-crf", "30", "-b:v", "0"}
	case ".mp4", ".mov":
		return []string{"-c:v", "libx264", "-crf", "18", "-preset", "medium", "-pix_fmt", "yuv420p", "-movflags", "+faststart"}
	default:
		return []string{"-c:v", "libx264", "-crf", "18", "-preset", "medium", "-pix_fmt", "yuv420p"}
	}
}

// blend mixes two frames of equal size, weighting b by alpha.
func blend(a, b image.Image, alpha float64) image.Image {
	return imaging.Overlay(a, b, image.Pt(0, 0), alpha)
}

// frameSink numbers frames sequentially in dir.
type frameSink struct {
	dir string
	n   int
}

func (s *frameSink) write(img image.Image) error {
	s.n++
	path := filepath.Join(s.dir, fmt.Sprintf(framePattern, s.n))
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save frame %d: %w", s.n, err)
	}
	return nil
}
