package producer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

type probeInfo struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeFFmpeg reads dimensions, frame rate and duration with ffprobe.
func ProbeFFmpeg(path string) (MediaInfo, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out string) (MediaInfo, error) {
	var p probeInfo
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		return MediaInfo{}, fmt.Errorf("parse probe output: %w", err)
	}

	info := MediaInfo{FPS: 30}
	found := false
	var frames int
	for _, s := range p.Streams {
		if s.CodecType != "video" {
			continue
		}
		found = true
		info.Width, info.Height = s.Width, s.Height
		if fps := parseRate(s.AvgFrameRate); fps > 0 {
			info.FPS = fps
		} else if fps := parseRate(s.RFrameRate); fps > 0 {
			info.FPS = fps
		}
		frames, _ = strconv.Atoi(s.NbFrames)
		break
	}
	if !found {
		return MediaInfo{}, errors.New("no video stream found")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return MediaInfo{}, fmt.Errorf("invalid video dimensions %dx%d", info.Width, info.Height)
	}

	if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil && d > 0 {
		info.DurationMS = d * 1000
	} else if frames > 0 {
		info.DurationMS = float64(frames) / info.FPS * 1000
	}
	return info, nil
}

// parseRate parses "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ffmpegDecoder pipes raw RGB24 frames out of an ffmpeg process.
type ffmpegDecoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// OpenFFmpeg starts an ffmpeg process decoding info.Path from startMS.
func OpenFFmpeg(info MediaInfo, startMS float64) (Decoder, error) {
	cmd := ffmpeg.Input(info.Path, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", startMS/1000)}).
		Output("pipe:", ffmpeg.KwArgs{
			"format":  "rawvideo",
			"pix_fmt": "rgb24",
			"s":       fmt.Sprintf("%dx%d", info.Width, info.Height),
		}).
		GlobalArgs("-loglevel", "error").
		Compile()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegDecoder{cmd: cmd, stdout: stdout}, nil
}

func (d *ffmpegDecoder) ReadFrame(buf []byte) error {
	_, err := io.ReadFull(d.stdout, buf)
	return err
}

func (d *ffmpegDecoder) Close() error {
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.stdout.Close()
	d.cmd.Wait()
	return nil
}
