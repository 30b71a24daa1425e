package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Static errors for media operations.
var (
	// ErrInvalidDimensions is returned when a thumbnail width is not positive.
	ErrInvalidDimensions = errors.New("invalid dimensions: width must be positive")
	// ErrInvalidQuality is returned when a HEIC quality is outside 0..100.
	ErrInvalidQuality = errors.New("invalid quality: must be between 0 and 100")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrNoVideoStream is returned when the input has no video stream.
	ErrNoVideoStream = errors.New("no video stream found")
	// ErrNoFrames is returned when ffmpeg succeeded but produced no frames.
	ErrNoFrames = errors.New("no frames extracted")
)

// HWAccelQSV selects Intel Quick Sync decoding for known codecs.
const HWAccelQSV = "qsv"

// stderrTailLines bounds how much ffmpeg chatter is kept for error reports.
const stderrTailLines = 40

var frameRe = regexp.MustCompile(`frame=\s*(\d+)`)

// FFmpegProcessor implements Processor using the ffmpeg CLI.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	// hwAccel is "" for software decoding or HWAccelQSV.
	hwAccel string
}

// Option configures an FFmpegProcessor.
type Option func(*FFmpegProcessor)

// WithFFprobePath overrides the ffprobe binary.
func WithFFprobePath(path string) Option {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithHWAccel enables hardware decoding during frame extraction.
func WithHWAccel(mode string) Option {
	return func(p *FFmpegProcessor) {
		p.hwAccel = strings.ToLower(mode)
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...Option) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{ffmpegPath: ffmpegPath, ffprobePath: "ffprobe"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe reads duration, size, frame rate and codec of the first video stream.
func (p *FFmpegProcessor) Probe(ctx context.Context, path string) (VideoInfo, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate,avg_frame_rate,duration,nb_frames:format=duration",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return VideoInfo{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return VideoInfo{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return parseProbeOutput(stdout.Bytes())
}

// ExtractFrames runs ffmpeg over the whole input and writes one PNG per frame.
func (p *FFmpegProcessor) ExtractFrames(ctx context.Context, input string, info VideoInfo, outDir, prefix string, onProgress FrameFunc) ([]string, error) {
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}

	pattern := filepath.Join(outDir, prefix+"_%04d.png")
	args := p.extractArgs(input, info, pattern)

	report := func(frame int) {
		if onProgress == nil {
			return
		}
		if info.TotalFrames > 0 {
			frame = min(frame, info.TotalFrames)
		}
		onProgress(frame, info.TotalFrames)
	}

	if err := p.runFFmpegWithProgress(ctx, args, report); err != nil {
		return nil, err
	}

	frames, err := filepath.Glob(filepath.Join(outDir, prefix+"_*.png"))
	if err != nil {
		return nil, fmt.Errorf("list extracted frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	sortFrames(frames, prefix)
	return frames, nil
}

// sortFrames orders frame files by the number ffmpeg wrote into their
// names. The %04d pattern widens past frame 9999, so names do not sort
// lexically.
func sortFrames(frames []string, prefix string) {
	sort.SliceStable(frames, func(i, j int) bool {
		a, aok := FrameIndex(frames[i], prefix)
		b, bok := FrameIndex(frames[j], prefix)
		if aok && bok && a != b {
			return a < b
		}
		if aok != bok {
			return aok
		}
		return frames[i] < frames[j]
	})
}

// FrameIndex returns the frame number encoded in an extracted frame's file
// name, e.g. 10001 for "frame_10001.png" with prefix "frame".
func FrameIndex(path, prefix string) (int, bool) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	digits, ok := strings.CutPrefix(name, prefix+"_")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// extractArgs builds the extraction command line. With QSV enabled and a
// codec QSV can decode, frames are decoded on the GPU and downloaded to
// system memory before the PNG encoder sees them.
func (p *FFmpegProcessor) extractArgs(input string, info VideoInfo, pattern string) []string {
	var args []string
	var filters []string

	if decoder := p.qsvDecoder(info.Codec); decoder != "" {
		args = append(args, "-hwaccel", "qsv", "-c:v", decoder)
		filters = append(filters, "hwdownload", "format=nv12")
	}
	if info.FPS > 0 {
		filters = append(filters, "fps="+strconv.FormatFloat(info.FPS, 'f', -1, 64))
	}

	args = append(args, "-y", "-i", input)
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	return append(args, pattern)
}

// qsvDecoder returns the QSV decoder for codec, or "" for software decoding.
func (p *FFmpegProcessor) qsvDecoder(codec string) string {
	if p.hwAccel != HWAccelQSV {
		return ""
	}
	switch strings.ToLower(codec) {
	case "h264", "avc":
		return "h264_qsv"
	case "hevc", "h265":
		return "hevc_qsv"
	case "av1":
		return "av1_qsv"
	default:
		return ""
	}
}

// ConvertToHEIC encodes src with libx265 into an MP4-flavoured ISOBMFF file.
// Quality 0..100 maps linearly onto CRF 51..0.
func (p *FFmpegProcessor) ConvertToHEIC(ctx context.Context, src, dst string, quality int) error {
	if quality < 0 || quality > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuality, quality)
	}

	args := []string{
		"-y",
		"-i", src,
		"-frames:v", "1",
		"-c:v", "libx265",
		"-crf", strconv.Itoa(qualityToCRF(quality)),
		"-pix_fmt", "yuv420p",
		"-tag:v", "hvc1",
		"-f", "mp4",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// GenerateThumbnail writes a JPEG of the given width; height follows the aspect ratio.
func (p *FFmpegProcessor) GenerateThumbnail(ctx context.Context, src, dst string, width int) error {
	if width <= 0 {
		return fmt.Errorf("%w: width=%d", ErrInvalidDimensions, width)
	}

	args := []string{
		"-y",
		"-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", width),
		"-q:v", "2",
		dst,
	}
	return p.runFFmpeg(ctx, args)
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// runFFmpegWithProgress streams ffmpeg's stderr, calling onFrame for every
// frame= counter it sees. Only the tail of stderr is kept for error reports.
func (p *FFmpegProcessor) runFFmpegWithProgress(ctx context.Context, args []string, onFrame func(int)) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	tail := scanProgress(stderr, onFrame)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: strings.Join(tail, "\n"),
			Err:    err,
		}
	}
	return nil
}

// scanProgress reads r to EOF, reporting each frame= counter to onFrame,
// and returns the last stderrTailLines lines seen.
func scanProgress(r io.Reader, onFrame func(int)) []string {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLinesOrCR)

	tail := make([]string, 0, stderrTailLines)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if m := frameRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				onFrame(n)
			}
		}
		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)
	}
	// Drain whatever is left so ffmpeg never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return tail
}

// scanLinesOrCR is bufio.ScanLines that also breaks on bare '\r', which
// ffmpeg uses to redraw its status line in place.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// qualityToCRF maps quality 100 to CRF 0 and quality 0 to CRF 51.
func qualityToCRF(quality int) int {
	return int(math.Round(float64(100-quality) * 0.51))
}
