// Package profile provides the registry of named encoding profiles.
// A profile bundles the capture parameters applied to a video device with
// the transcode parameters handed to the external encoder.
package profile

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parameter ranges enforced on load.
const (
	minBitrateKbps = 100
	maxBitrateKbps = 8000
	maxCropPixels  = 160
)

// CaptureParams configure the video device for a recording.
type CaptureParams struct {
	VideoBitrate      int    `yaml:"vbr"`       // kbps, 100..8000
	PeakVideoBitrate  int    `yaml:"vpeak"`     // kbps, 100..8000
	AudioBitrateIndex int    `yaml:"abr_index"` // 9..13
	AudioSampling     int    `yaml:"asamp"`     // 0..2
	Aspect            int    `yaml:"aspect"`    // 0..3
	FrameSize         string `yaml:"framesize"` // named size, e.g. "720x576"
	KeepSource        bool   `yaml:"keep_source"`
}

// CropRect is the pixel crop applied during transcoding.
type CropRect struct {
	Top    int `yaml:"top"`
	Bottom int `yaml:"bottom"`
	Left   int `yaml:"left"`
	Right  int `yaml:"right"`
}

// TranscodeParams configure the external encoder invocation.
type TranscodeParams struct {
	Enabled      bool     `yaml:"enabled"`
	VideoBitrate int      `yaml:"vbr"`    // kbps, 100..8000
	AudioBitrate int      `yaml:"abr"`    // kbps, 100..8000
	Passes       int      `yaml:"passes"` // 1 or 2
	VideoCodec   string   `yaml:"vcodec"`
	AudioCodec   string   `yaml:"acodec"`
	Preset       string   `yaml:"vpre"`
	FrameSize    string   `yaml:"framesize"`
	Crop         CropRect `yaml:"crop"` // each edge 0..160
	ExtraArgs    string   `yaml:"extra_args"`
	Extension    string   `yaml:"extension"` // output extension, default "mp4"
}

// Profile is an immutable named bundle of capture and transcode parameters.
// Identity is the Name; profiles are replaced wholesale on registry refresh.
type Profile struct {
	Name      string          `yaml:"-"`
	Capture   CaptureParams   `yaml:"capture"`
	Transcode TranscodeParams `yaml:"transcode"`
}

// Parse decodes a single profile document and clamps its numeric fields.
func Parse(name string, data []byte) (*Profile, error) {
	p := &Profile{Name: name}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", name, err)
	}
	p.clamp()
	return p, nil
}

// clamp forces every numeric field into its documented range.
func (p *Profile) clamp() {
	p.Capture.VideoBitrate = clamp(p.Capture.VideoBitrate, minBitrateKbps, maxBitrateKbps)
	p.Capture.PeakVideoBitrate = clamp(p.Capture.PeakVideoBitrate, minBitrateKbps, maxBitrateKbps)
	if p.Capture.PeakVideoBitrate < p.Capture.VideoBitrate {
		p.Capture.PeakVideoBitrate = p.Capture.VideoBitrate
	}
	p.Capture.AudioBitrateIndex = clamp(p.Capture.AudioBitrateIndex, 9, 13)
	p.Capture.AudioSampling = clamp(p.Capture.AudioSampling, 0, 2)
	p.Capture.Aspect = clamp(p.Capture.Aspect, 0, 3)

	p.Transcode.VideoBitrate = clamp(p.Transcode.VideoBitrate, minBitrateKbps, maxBitrateKbps)
	p.Transcode.AudioBitrate = clamp(p.Transcode.AudioBitrate, minBitrateKbps, maxBitrateKbps)
	// Anything other than a single pass runs the two-pass pipeline.
	if p.Transcode.Passes != 1 {
		p.Transcode.Passes = 2
	}
	p.Transcode.Crop.Top = clamp(p.Transcode.Crop.Top, 0, maxCropPixels)
	p.Transcode.Crop.Bottom = clamp(p.Transcode.Crop.Bottom, 0, maxCropPixels)
	p.Transcode.Crop.Left = clamp(p.Transcode.Crop.Left, 0, maxCropPixels)
	p.Transcode.Crop.Right = clamp(p.Transcode.Crop.Right, 0, maxCropPixels)
	if p.Transcode.Extension == "" {
		p.Transcode.Extension = "mp4"
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
