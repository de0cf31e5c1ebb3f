package plan

import (
	"fmt"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// BaseArgs are prepended to every encoder argument list.
var BaseArgs = []string{"-hide_banner", "-nostdin", "-y", "-progress", "pipe:1", "-loglevel", "error"}

var (
	audioExt = map[string]string{
		"flac": ".flac", "alac": ".m4a", "aac": ".m4a", "mp3": ".mp3",
		"opus": ".opus", "ogg": ".ogg", "vorbis": ".ogg",
	}
	videoExt = map[string]string{
		"h264": ".mp4", "h265": ".mp4", "hevc": ".mp4", "av1": ".mkv", "vp9": ".webm",
	}
	imageExt = map[string]string{
		"avif": ".avif", "heic": ".heic", "heif": ".heif", "webp": ".webp",
		"png": ".png", "jpeg": ".jpg", "jpg": ".jpg",
	}
)

// ArgBuilder maps a media type, codec, and options to encoder arguments and
// an output extension. Implementations must be pure.
type ArgBuilder interface {
	Build(mediaType types.MediaType, codec string, opts types.Options) (args []string, ext string, err error)
}

// FFmpegArgBuilder is the built-in codec table. Unknown codecs fall back to a
// sensible default per media type (aac, h264, png).
type FFmpegArgBuilder struct{}

// NewArgBuilder creates the built-in argument builder.
func NewArgBuilder() *FFmpegArgBuilder {
	return &FFmpegArgBuilder{}
}

// Build implements ArgBuilder.
//
// Recognised options: bitrate, q (vorbis), crf, preset, svtPreset (av1),
// audioCopy or audio ("copy"|"aac") and audioBitrate for video,
// lossless and quality for images.
func (FFmpegArgBuilder) Build(mediaType types.MediaType, codec string, opts types.Options) ([]string, string, error) {
	args := append([]string(nil), BaseArgs...)

	switch mediaType {
	case types.MediaTypeAudio:
		return append(args, audioArgs(codec, opts)...), extFor(audioExt, codec, ".m4a"), nil
	case types.MediaTypeVideo:
		return append(args, videoArgs(codec, opts)...), extFor(videoExt, codec, ".mp4"), nil
	case types.MediaTypeImage:
		return append(args, imageArgs(codec, opts)...), extFor(imageExt, codec, ".png"), nil
	default:
		return nil, "", fmt.Errorf("unsupported media type %q", mediaType)
	}
}

// OutputExt returns the output extension for a media type and codec.
func OutputExt(mediaType types.MediaType, codec string) string {
	switch mediaType {
	case types.MediaTypeAudio:
		return extFor(audioExt, codec, ".m4a")
	case types.MediaTypeVideo:
		return extFor(videoExt, codec, ".mp4")
	default:
		return extFor(imageExt, codec, ".png")
	}
}

func extFor(table map[string]string, codec, fallback string) string {
	if ext, ok := table[codec]; ok {
		return ext
	}
	return fallback
}

func optString(opts types.Options, key, fallback string) string {
	if v := opts.String(key); v != "" {
		return v
	}
	return fallback
}

func audioArgs(codec string, opts types.Options) []string {
	args := []string{"-vn"}
	switch codec {
	case "flac":
		return append(args, "-c:a", "flac")
	case "alac":
		return append(args, "-c:a", "alac")
	case "mp3":
		return append(args, "-c:a", "libmp3lame", "-b:a", optString(opts, "bitrate", "192k"))
	case "opus":
		return append(args, "-c:a", "libopus", "-b:a", optString(opts, "bitrate", "160k"))
	case "ogg", "vorbis":
		return append(args, "-c:a", "libvorbis", "-q:a", optString(opts, "q", "5"))
	default:
		return append(args, "-c:a", "aac", "-b:a", optString(opts, "bitrate", "192k"))
	}
}

func videoArgs(codec string, opts types.Options) []string {
	args := []string{"-pix_fmt", "yuv420p"}

	defaultCRF := "23"
	switch codec {
	case "h265", "hevc":
		defaultCRF = "28"
	case "av1":
		defaultCRF = "32"
	}
	crf := optString(opts, "crf", defaultCRF)
	preset := optString(opts, "preset", "medium")

	switch codec {
	case "h265", "hevc":
		args = append(args, "-c:v", "libx265", "-preset", preset, "-crf", crf)
	case "av1":
		args = append(args, "-c:v", "libsvtav1", "-preset", optString(opts, "svtPreset", "6"), "-crf", crf)
	case "vp9":
		args = append(args, "-c:v", "libvpx-vp9", "-b:v", "0", "-crf", crf, "-row-mt", "1")
	default:
		args = append(args, "-c:v", "libx264", "-preset", preset, "-crf", crf)
	}

	if reencodeAudio(opts) {
		return append(args, "-c:a", "aac", "-b:a", optString(opts, "audioBitrate", "160k"))
	}
	return append(args, "-c:a", "copy")
}

func reencodeAudio(opts types.Options) bool {
	if copyAudio, ok := opts.Bool("audioCopy"); ok {
		return !copyAudio
	}
	return opts.String("audio") == "aac"
}

func imageArgs(codec string, opts types.Options) []string {
	var args []string
	switch codec {
	case "avif":
		args = []string{"-c:v", "libaom-av1", "-still-picture", "1", "-b:v", "0", "-crf", optString(opts, "crf", "28")}
	case "heic", "heif":
		args = []string{"-c:v", "libx265"}
	case "webp":
		if lossless, _ := opts.Bool("lossless"); lossless {
			args = []string{"-c:v", "libwebp", "-lossless", "1"}
		} else {
			args = []string{"-c:v", "libwebp", "-q:v", optString(opts, "quality", "80")}
		}
	case "jpeg", "jpg":
		args = []string{"-c:v", "mjpeg", "-q:v", optString(opts, "quality", "2")}
	default:
		args = []string{"-c:v", "png"}
	}
	return append(args, "-frames:v", "1")
}
