package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reelforge/reelforge/internal/models"
)

// Clamp ranges for client-supplied numeric knobs.
const (
	minSpeed = 0.25
	maxSpeed = 4.0

	minDim = 100
	maxDim = 4096

	minVolume = 0.0
	maxVolume = 2.0
)

const (
	// Common frame rate every concat/plan input is normalized to.
	normalizeFPS = 30

	// Cross-fade length between adjacent concat inputs.
	xfadeSeconds = 0.5
)

// ProbedInput is one resolved input with the media facts the builders need.
type ProbedInput struct {
	Path        string
	DurationSec float64 // 0 when unknown
	Width       int
	Height      int
	HasAudio    bool
}

// BuildRequest carries everything a builder consumes. Builders are pure:
// same request, same vector.
type BuildRequest struct {
	Kind             models.JobKind
	Input            models.InputSpec
	Inputs           []ProbedInput
	AudioTrack       string // resolved local path, "" when absent
	OutputPath       string
	MaxOutputSeconds float64 // concat duration cap, <= 0 means uncapped
}

// Invocation is a built argument vector plus the planning facts the runner
// needs (the output location and the duration progress is measured against).
type Invocation struct {
	Args            []string
	OutputPath      string
	ExpectedSeconds float64
}

// BuildArgs maps a validated job to a concrete ffmpeg argument vector for
// the already-decided encoder. The switch is total over the validated kinds.
func BuildArgs(req BuildRequest, enc Encoder) (*Invocation, error) {
	switch req.Kind {
	case models.JobKindSimpleEdit:
		return buildSimpleEdit(req, enc)
	case models.JobKindTimedPlan:
		return buildTimedPlan(req, enc)
	case models.JobKindMultiSourceConcat:
		return buildConcat(req, enc)
	}
	// Unreachable for jobs admitted by Submit; kept for direct callers.
	return nil, models.NewJobError(models.ErrCodeArgumentBuild, "unhandled job kind %q", string(req.Kind))
}

// OutputExt normalizes the requested container. Anything unrecognized falls
// back to mp4.
func OutputExt(format string) string {
	if strings.EqualFold(strings.TrimSpace(format), "mov") {
		return "mov"
	}
	return "mp4"
}

func buildSimpleEdit(req BuildRequest, enc Encoder) (*Invocation, error) {
	if len(req.Inputs) != 1 {
		return nil, models.NewJobError(models.ErrCodeArgumentBuild, "simple_edit expects exactly one input, got %d", len(req.Inputs))
	}
	in := req.Inputs[0]
	spec := req.Input
	speed := clampSpeed(spec.Speed)

	args := []string{"-y"}

	// Trim: seek in at start, then encode for end-start. The end offset is
	// never passed as an absolute end-time flag.
	if spec.Trim != nil {
		args = append(args, "-ss", fmtSecs(spec.Trim.Start))
	}
	args = append(args, "-i", in.Path)
	if spec.Trim != nil {
		args = append(args, "-t", fmtSecs(spec.Trim.Duration()))
	}

	var vf []string
	if spec.Resize != nil {
		vf = append(vf, fmt.Sprintf("scale=%d:%d", clampDim(spec.Resize.Width), clampDim(spec.Resize.Height)))
	}
	if speed != 1 {
		vf = append(vf, fmt.Sprintf("setpts=%s*PTS", fmtSecs(1/speed)))
	}
	if enc.Hardware {
		vf = append(vf, hwUploadFilter(enc))
	}
	if len(vf) > 0 {
		args = append(args, "-vf", strings.Join(vf, ","))
	}

	muted := spec.Audio != nil && spec.Audio.Mute
	switch {
	case muted:
		args = append(args, "-an")
	case in.HasAudio:
		var af []string
		if speed != 1 {
			af = append(af, atempoChain(speed))
		}
		if spec.Audio != nil && spec.Audio.Volume != nil {
			af = append(af, "volume="+fmtSecs(clampVolume(*spec.Audio.Volume)))
		}
		if len(af) > 0 {
			args = append(args, "-af", strings.Join(af, ","))
		}
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}

	args = append(args, videoCodecArgs(enc)...)
	args = append(args, containerArgs(enc)...)
	args = append(args, req.OutputPath)

	expected := in.DurationSec
	if spec.Trim != nil {
		expected = spec.Trim.Duration()
	}
	if expected > 0 {
		expected /= speed
	}
	return &Invocation{Args: args, OutputPath: req.OutputPath, ExpectedSeconds: expected}, nil
}

func buildTimedPlan(req BuildRequest, enc Encoder) (*Invocation, error) {
	spec := req.Input
	n := len(req.Inputs)
	if n == 0 || n != len(spec.Segments) {
		return nil, models.NewJobError(models.ErrCodeArgumentBuild, "timed_plan has %d segments but %d resolved inputs", len(spec.Segments), n)
	}

	w, h := outputDims(spec.Resize, req.Inputs)
	muted := spec.Audio != nil && spec.Audio.Mute
	useAudio := !muted && allHaveAudio(req.Inputs)

	var fc []string
	var concatIn strings.Builder
	expected := 0.0
	for i, seg := range spec.Segments {
		speed := clampSpeed(seg.Speed)
		segDur := req.Inputs[i].DurationSec

		vchain := []string{}
		if seg.Trim != nil {
			vchain = append(vchain, fmt.Sprintf("trim=start=%s:duration=%s", fmtSecs(seg.Trim.Start), fmtSecs(seg.Trim.Duration())))
			segDur = seg.Trim.Duration()
		}
		if speed != 1 {
			vchain = append(vchain, fmt.Sprintf("setpts=(PTS-STARTPTS)*%s", fmtSecs(1/speed)))
		} else {
			vchain = append(vchain, "setpts=PTS-STARTPTS")
		}
		vchain = append(vchain, normalizeChain(w, h)...)
		fc = append(fc, fmt.Sprintf("[%d:v]%s[v%d]", i, strings.Join(vchain, ","), i))
		concatIn.WriteString(fmt.Sprintf("[v%d]", i))

		if useAudio {
			achain := []string{}
			if seg.Trim != nil {
				achain = append(achain, fmt.Sprintf("atrim=start=%s:duration=%s", fmtSecs(seg.Trim.Start), fmtSecs(seg.Trim.Duration())))
			}
			achain = append(achain, "asetpts=PTS-STARTPTS")
			if speed != 1 {
				achain = append(achain, atempoChain(speed))
			}
			fc = append(fc, fmt.Sprintf("[%d:a]%s[a%d]", i, strings.Join(achain, ","), i))
			concatIn.WriteString(fmt.Sprintf("[a%d]", i))
		}

		if segDur > 0 {
			expected += segDur / speed
		}
	}

	if useAudio {
		fc = append(fc, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[vcat][acat]", concatIn.String(), n))
	} else {
		fc = append(fc, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[vcat]", concatIn.String(), n))
	}

	vLabel := "[vcat]"
	if enc.Hardware {
		fc = append(fc, fmt.Sprintf("[vcat]%s[vout]", hwUploadFilter(enc)))
		vLabel = "[vout]"
	}

	aLabel := "[acat]"
	if useAudio && spec.Audio != nil && spec.Audio.Volume != nil {
		fc = append(fc, fmt.Sprintf("[acat]volume=%s[aout]", fmtSecs(clampVolume(*spec.Audio.Volume))))
		aLabel = "[aout]"
	}

	args := []string{"-y"}
	for _, in := range req.Inputs {
		args = append(args, "-i", in.Path)
	}
	args = append(args, "-filter_complex", strings.Join(fc, ";"))
	args = append(args, "-map", vLabel)
	if useAudio {
		args = append(args, "-map", aLabel, "-c:a", "aac", "-b:a", "192k")
	} else {
		args = append(args, "-an")
	}
	args = append(args, videoCodecArgs(enc)...)
	args = append(args, containerArgs(enc)...)
	args = append(args, req.OutputPath)

	return &Invocation{Args: args, OutputPath: req.OutputPath, ExpectedSeconds: expected}, nil
}

func buildConcat(req BuildRequest, enc Encoder) (*Invocation, error) {
	spec := req.Input
	n := len(req.Inputs)
	if n == 0 {
		return nil, models.NewJobError(models.ErrCodeArgumentBuild, "multi_source_concat has no resolved inputs")
	}

	// Transition offsets are computed from input durations, so every input
	// must have probed successfully when there is more than one.
	if n > 1 {
		for i, in := range req.Inputs {
			if in.DurationSec <= 0 {
				return nil, models.NewJobError(models.ErrCodeArgumentBuild, "cannot determine duration of input %d (%s)", i, in.Path)
			}
		}
	}

	w, h := outputDims(spec.Resize, req.Inputs)
	muted := spec.Audio != nil && spec.Audio.Mute
	useSourceAudio := !muted && allHaveAudio(req.Inputs)
	hasBed := req.AudioTrack != "" && !muted

	var fc []string

	// Mismatched inputs cannot be cross-faded: normalize everything to one
	// resolution/frame-rate/aspect first.
	for i := range req.Inputs {
		fc = append(fc, fmt.Sprintf("[%d:v]%s[v%d]", i, strings.Join(normalizeChain(w, h), ","), i))
	}

	expected := 0.0
	vLabel := "[v0]"
	if n > 1 {
		offset := 0.0
		for i := 1; i < n; i++ {
			offset += req.Inputs[i-1].DurationSec
			offset -= xfadeSeconds
			out := fmt.Sprintf("[vx%d]", i)
			fc = append(fc, fmt.Sprintf("%s[v%d]xfade=transition=%s:duration=%s:offset=%s%s",
				vLabel, i, transitionFor(spec.Transitions, i-1), fmtSecs(xfadeSeconds), fmtSecs(offset), out))
			vLabel = out
		}
		for _, in := range req.Inputs {
			expected += in.DurationSec
		}
		expected -= float64(n-1) * xfadeSeconds
	} else {
		expected = req.Inputs[0].DurationSec
	}

	if enc.Hardware {
		fc = append(fc, fmt.Sprintf("%s%s[vhw]", vLabel, hwUploadFilter(enc)))
		vLabel = "[vhw]"
	}

	// Audio: cross-fade the source audio when every input has some, then
	// mix the optional bed under it. Silent sources fall back to bed-only.
	aLabel := ""
	if useSourceAudio {
		aLabel = "[0:a]"
		for i := 1; i < n; i++ {
			out := fmt.Sprintf("[ax%d]", i)
			fc = append(fc, fmt.Sprintf("%s[%d:a]acrossfade=d=%s%s", aLabel, i, fmtSecs(xfadeSeconds), out))
			aLabel = out
		}
	}
	if hasBed {
		bedChain := "anull"
		if spec.Audio != nil && spec.Audio.Volume != nil {
			bedChain = "volume=" + fmtSecs(clampVolume(*spec.Audio.Volume))
		}
		fc = append(fc, fmt.Sprintf("[%d:a]%s[bed]", n, bedChain))
		if aLabel != "" {
			fc = append(fc, fmt.Sprintf("%s[bed]amix=inputs=2:duration=first:dropout_transition=2[aout]", aLabel))
			aLabel = "[aout]"
		} else {
			aLabel = "[bed]"
		}
	}

	args := []string{"-y"}
	for _, in := range req.Inputs {
		args = append(args, "-i", in.Path)
	}
	if hasBed {
		args = append(args, "-i", req.AudioTrack)
	}
	args = append(args, "-filter_complex", strings.Join(fc, ";"))
	args = append(args, "-map", vLabel)
	if aLabel != "" {
		args = append(args, "-map", aLabel, "-c:a", "aac", "-b:a", "192k")
	} else {
		args = append(args, "-an")
	}
	if hasBed {
		args = append(args, "-shortest")
	}

	// Total output duration is capped regardless of input count.
	if req.MaxOutputSeconds > 0 && expected > req.MaxOutputSeconds {
		args = append(args, "-t", fmtSecs(req.MaxOutputSeconds))
		expected = req.MaxOutputSeconds
	}

	args = append(args, videoCodecArgs(enc)...)
	args = append(args, containerArgs(enc)...)
	args = append(args, req.OutputPath)

	return &Invocation{Args: args, OutputPath: req.OutputPath, ExpectedSeconds: expected}, nil
}

// xfadeTransitions is the accepted transition vocabulary. Unrecognized names
// default to fade.
var xfadeTransitions = map[string]string{
	"fade":  "fade",
	"wipe":  "wipeleft",
	"slide": "slideleft",
	"zoom":  "zoomin",
}

// transitionFor picks the transition for adjacent pair `pair` (0-based).
// When fewer names than pairs are supplied, the last one repeats.
func transitionFor(names []string, pair int) string {
	name := "fade"
	if len(names) > 0 {
		if pair < len(names) {
			name = names[pair]
		} else {
			name = names[len(names)-1]
		}
	}
	if t, ok := xfadeTransitions[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return "fade"
}

// normalizeChain scales into the target box, pads to exact size, resets the
// sample aspect, and locks the frame rate and pixel format.
func normalizeChain(w, h int) []string {
	return []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", w, h),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h),
		"setsar=1",
		fmt.Sprintf("fps=%d", normalizeFPS),
		"format=yuv420p",
	}
}

func outputDims(resize *models.ResizeSpec, inputs []ProbedInput) (int, int) {
	if resize != nil {
		return clampDim(resize.Width), clampDim(resize.Height)
	}
	if len(inputs) > 0 && inputs[0].Width > 0 && inputs[0].Height > 0 {
		return inputs[0].Width, inputs[0].Height
	}
	return 1080, 1920
}

func allHaveAudio(inputs []ProbedInput) bool {
	for _, in := range inputs {
		if !in.HasAudio {
			return false
		}
	}
	return len(inputs) > 0
}

// videoCodecArgs emits the codec-specific flags for the already-decided
// encoder. Hardware encoders take their input from the upload filter stage,
// so the software pixel-format flag stays off that path.
func videoCodecArgs(enc Encoder) []string {
	if enc.Hardware {
		return []string{"-c:v", enc.Name}
	}
	return []string{"-c:v", enc.Name, "-preset", "veryfast", "-pix_fmt", "yuv420p"}
}

// containerArgs enables fast-start metadata placement on the software path.
// Hardware paths omit it.
func containerArgs(enc Encoder) []string {
	if enc.Hardware {
		return nil
	}
	return []string{"-movflags", "+faststart"}
}

// hwUploadFilter is the explicit pixel-format/upload stage hardware encoders
// require before they can consume frames.
func hwUploadFilter(enc Encoder) string {
	if strings.Contains(enc.Name, "nvenc") {
		return "format=nv12,hwupload_cuda"
	}
	return "format=nv12,hwupload"
}

func clampSpeed(v float64) float64 {
	if v == 0 {
		return 1
	}
	if v < minSpeed {
		return minSpeed
	}
	if v > maxSpeed {
		return maxSpeed
	}
	return v
}

func clampDim(v int) int {
	if v < minDim {
		return minDim
	}
	if v > maxDim {
		return maxDim
	}
	return v
}

func clampVolume(v float64) float64 {
	if v < minVolume {
		return minVolume
	}
	if v > maxVolume {
		return maxVolume
	}
	return v
}

// atempoChain builds an audio retime matching a video setpts change. Each
// atempo stage only accepts [0.5, 2.0], so out-of-range speeds chain stages.
func atempoChain(speed float64) string {
	var parts []string
	r := speed
	for r > 2.0+1e-9 {
		parts = append(parts, "atempo=2")
		r /= 2
	}
	for r < 0.5-1e-9 {
		parts = append(parts, "atempo=0.5")
		r *= 2
	}
	parts = append(parts, "atempo="+fmtSecs(r))
	return strings.Join(parts, ",")
}

// fmtSecs renders a number the way ffmpeg likes them: plain decimal, no
// exponent, no trailing zeros.
func fmtSecs(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
