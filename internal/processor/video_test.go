package processor

import (
	"context"
	"image/color"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/upscaler/internal/model"
	"github.com/aliskhannn/upscaler/internal/worker/ipc"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    frameRate
		wantErr bool
	}{
		{"25/1", frameRate{25, 1}, false},
		{"30000/1001\n", frameRate{30000, 1001}, false},
		{"24", frameRate{24, 1}, false},
		{"0/0", frameRate{}, true},
		{"abc", frameRate{}, true},
		{"", frameRate{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseFrameRate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrameRate_Times(t *testing.T) {
	assert.Equal(t, "60000/1001", frameRate{30000, 1001}.times(2).String())
}

func TestBlend(t *testing.T) {
	black := imaging.New(2, 2, color.NRGBA{A: 255})
	white := imaging.New(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	mid := imaging.Clone(blend(black, white, 0.5)).NRGBAAt(1, 1)
	assert.InDelta(t, 128, int(mid.R), 2)
	assert.Equal(t, uint8(255), mid.A)

	near := imaging.Clone(blend(black, white, 0.25)).NRGBAAt(0, 0)
	assert.Less(t, near.R, mid.R)
}

func TestVideoCodecArgs(t *testing.T) {
	assert.Contains(t, videoCodecArgs("/a/b.webm"), "libvpx-vp9")
	assert.Contains(t, videoCodecArgs("/a/b.MP4"), "+faststart")
	assert.NotContains(t, videoCodecArgs("/a/b.mkv"), "+faststart")
}

func TestProcessor_VideoWithoutFFmpeg(t *testing.T) {
	job := ipc.Job{
		TaskID:     "v1",
		SourcePath: filepath.Join(t.TempDir(), "clip.mp4"),
		OutputPath: filepath.Join(t.TempDir(), "clip_up.mp4"),
		MediaType:  model.MediaVideo,
		Parameters: model.Parameters{Model: model.ModelGeneral, Scale: 2},
	}

	p := New(Options{FFmpegPath: filepath.Join(t.TempDir(), "no-ffmpeg")}, zerolog.Nop())
	err := p.Upscale(context.Background(), job, nil)
	assert.ErrorIs(t, err, ErrFFmpegMissing)
	assert.NoFileExists(t, job.OutputPath)
}

// requireFFmpeg skips unless ffmpeg, ffprobe and the x264 encoder exist.
func requireFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil || !strings.Contains(string(out), "libx264") {
		t.Skip("ffmpeg has no libx264 encoder")
	}
}

func ffprobeStream(t *testing.T, path, entry string) string {
	t.Helper()
	out, err := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream="+entry, "-of", "default=noprint_wrappers=1:nokey=1", path).Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

func TestProcessor_UpscaleVideo(t *testing.T) {
	requireFFmpeg(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-v", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=size=32x24:rate=5:duration=1",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", src)
	require.NoError(t, gen.Run())

	job := ipc.Job{
		TaskID:     "v1",
		SourcePath: src,
		OutputPath: model.DefaultOutputPath(src, 2),
		MediaType:  model.MediaVideo,
		Parameters: model.Parameters{Model: model.ModelGeneral, Scale: 2, InterpolationFactor: 2},
	}

	var progress []float64
	var phases []string
	err := New(Options{}, zerolog.Nop()).Upscale(context.Background(), job, func(p float64, phase string) {
		progress = append(progress, p)
		phases = append(phases, phase)
	})
	require.NoError(t, err)
	require.FileExists(t, job.OutputPath)

	assert.Equal(t, "64", ffprobeStream(t, job.OutputPath, "width"))
	assert.Equal(t, "48", ffprobeStream(t, job.OutputPath, "height"))
	assert.Equal(t, "10/1", ffprobeStream(t, job.OutputPath, "r_frame_rate"))

	// One report per frame between extraction and encoding.
	upscaling := 0
	for _, ph := range phases {
		if ph == ipc.PhaseUpscaling {
			upscaling++
		}
	}
	assert.GreaterOrEqual(t, upscaling, 5)
	assert.IsNonDecreasing(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])

	// The work directory is gone.
	leftovers, err := filepath.Glob(filepath.Join(dir, ".upscale-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestProcessor_VideoCancelled(t *testing.T) {
	requireFFmpeg(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-v", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=size=32x24:rate=5:duration=1",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", src)
	require.NoError(t, gen.Run())

	job := ipc.Job{
		TaskID:     "v2",
		SourcePath: src,
		OutputPath: model.DefaultOutputPath(src, 2),
		MediaType:  model.MediaVideo,
		Parameters: model.Parameters{Model: model.ModelGeneral, Scale: 2},
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := New(Options{}, zerolog.Nop()).Upscale(ctx, job, func(_ float64, phase string) {
		if phase == ipc.PhaseUpscaling {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, job.OutputPath)
}
