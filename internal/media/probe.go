package media

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// probeOutput mirrors the subset of `ffprobe -of json` that Probe requests.
type probeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// parseProbeOutput converts ffprobe JSON into VideoInfo.
func parseProbeOutput(data []byte) (VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return VideoInfo{}, ErrNoVideoStream
	}
	s := out.Streams[0]

	fps := parseFrameRate(s.RFrameRate)
	if fps == 0 {
		fps = parseFrameRate(s.AvgFrameRate)
	}

	duration := parseSeconds(s.Duration)
	if duration == 0 {
		duration = parseSeconds(out.Format.Duration)
	}

	total := 0
	if duration > 0 && fps > 0 {
		// The epsilon keeps 10.01s at 30000/1001 fps from flooring to 299.
		total = int(math.Floor(duration*fps + 1e-6))
	} else if n, err := strconv.Atoi(s.NbFrames); err == nil {
		total = n
	}

	return VideoInfo{
		Duration:    duration,
		Width:       s.Width,
		Height:      s.Height,
		FPS:         fps,
		TotalFrames: total,
		Codec:       s.CodecName,
	}, nil
}

// parseFrameRate parses ffprobe rates such as "30000/1001" or "25".
// Unparseable or degenerate rates yield 0.
func parseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Resolution formats width and height as "WxH", or "" when unknown.
func (v VideoInfo) Resolution() string {
	if v.Width <= 0 || v.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}
