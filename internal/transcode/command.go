package transcode

import (
	"fmt"
	"strings"

	"github.com/jmylchreest/pvrd/internal/profile"
)

// Command is the shell pipeline for one encoder run. Two-pass encodes
// chain both passes so one process group covers the whole run.
type Command struct {
	Shell string
}

// BuildCommand renders the encoder invocation for a job.
// firstpassPreset replaces the profile preset during pass one, where
// output quality does not matter and a faster analysis preset saves a
// large share of the wall time.
func BuildCommand(ffmpegBin, src, dst, passlog, firstpassPreset string, p profile.TranscodeParams) Command {
	if p.Passes != 2 {
		return Command{Shell: onePass(ffmpegBin, src, dst, p)}
	}
	first := firstPass(ffmpegBin, src, passlog, firstpassPreset, p)
	second := secondPass(ffmpegBin, src, dst, passlog, p)
	return Command{Shell: first + " && " + second}
}

func onePass(bin, src, dst string, p profile.TranscodeParams) string {
	args := commonInput(bin, src)
	args = append(args, videoArgs(p, p.Preset)...)
	args = append(args, audioArgs(p)...)
	args = append(args, extraArgs(p)...)
	args = append(args, shellQuote(dst))
	return strings.Join(args, " ")
}

func firstPass(bin, src, passlog, preset string, p profile.TranscodeParams) string {
	args := commonInput(bin, src)
	args = append(args, videoArgs(p, preset)...)
	args = append(args,
		"-pass", "1",
		"-passlogfile", shellQuote(passlog),
		"-an",
		"-f", "null",
	)
	args = append(args, extraArgs(p)...)
	args = append(args, "/dev/null")
	return strings.Join(args, " ")
}

func secondPass(bin, src, dst, passlog string, p profile.TranscodeParams) string {
	args := commonInput(bin, src)
	args = append(args, videoArgs(p, p.Preset)...)
	args = append(args,
		"-pass", "2",
		"-passlogfile", shellQuote(passlog),
	)
	args = append(args, audioArgs(p)...)
	args = append(args, extraArgs(p)...)
	args = append(args, shellQuote(dst))
	return strings.Join(args, " ")
}

func commonInput(bin, src string) []string {
	return []string{shellQuote(bin), "-y", "-i", shellQuote(src)}
}

func videoArgs(p profile.TranscodeParams, preset string) []string {
	args := []string{}
	if filter := videoFilter(p); filter != "" {
		args = append(args, "-vf", shellQuote(filter))
	}
	codec := p.VideoCodec
	if codec == "" {
		codec = "libx264"
	}
	args = append(args, "-c:v", codec, "-b:v", fmt.Sprintf("%dk", p.VideoBitrate))
	if preset != "" {
		args = append(args, "-preset", preset)
	}
	return args
}

func audioArgs(p profile.TranscodeParams) []string {
	codec := p.AudioCodec
	if codec == "" {
		codec = "aac"
	}
	return []string{"-c:a", codec, "-b:a", fmt.Sprintf("%dk", p.AudioBitrate)}
}

// videoFilter builds the crop and scale filter chain.
func videoFilter(p profile.TranscodeParams) string {
	var parts []string
	c := p.Crop
	if c.Top != 0 || c.Bottom != 0 || c.Left != 0 || c.Right != 0 {
		parts = append(parts, fmt.Sprintf("crop=iw-%d:ih-%d:%d:%d",
			c.Left+c.Right, c.Top+c.Bottom, c.Left, c.Top))
	}
	if p.FrameSize != "" {
		w, h, ok := strings.Cut(p.FrameSize, "x")
		if ok {
			parts = append(parts, fmt.Sprintf("scale=%s:%s", w, h))
		}
	}
	return strings.Join(parts, ",")
}

func extraArgs(p profile.TranscodeParams) []string {
	if p.ExtraArgs == "" {
		return nil
	}
	return strings.Fields(p.ExtraArgs)
}

// shellQuote single-quotes a token for sh -c.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t'\"\\$&|;<>()*?[]#~%{}`!\n") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
