// Package media provides video probing, frame extraction and image
// encoding on top of the ffmpeg and ffprobe command-line tools.
package media

import "context"

// VideoInfo describes the first video stream of a file.
type VideoInfo struct {
	// Duration is the stream duration in seconds.
	Duration float64
	// Width is the frame width in pixels.
	Width int
	// Height is the frame height in pixels.
	Height int
	// FPS is the frame rate, e.g. 29.97 for "30000/1001".
	FPS float64
	// TotalFrames is floor(Duration * FPS), or the container's frame count
	// when the duration is unknown.
	TotalFrames int
	// Codec is the ffprobe codec name, e.g. "h264".
	Codec string
}

// FrameFunc receives the number of frames extracted so far and the total.
type FrameFunc func(current, total int)

// Processor defines the media operations used by the album pipeline.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// Probe reads the metadata of the first video stream of path.
	Probe(ctx context.Context, path string) (VideoInfo, error)

	// ExtractFrames writes every frame of input as PNG into outDir, named
	// <prefix>_0001.png onwards, and returns the sorted paths. onProgress,
	// if not nil, is called as ffmpeg reports frames; current never
	// exceeds info.TotalFrames when that is known.
	ExtractFrames(ctx context.Context, input string, info VideoInfo, outDir, prefix string, onProgress FrameFunc) ([]string, error)

	// ConvertToHEIC encodes a still image as HEVC in an ISOBMFF container.
	// quality runs from 0 (worst) to 100 (lossless).
	ConvertToHEIC(ctx context.Context, src, dst string, quality int) error

	// GenerateThumbnail writes a JPEG scaled to width, keeping the aspect ratio.
	GenerateThumbnail(ctx context.Context, src, dst string, width int) error
}
