package app

import "strings"

const (
	defaultVideoQuality = "720"
	defaultAudioQuality = "320"

	// Used when a quality token is not in its table.
	fallbackVideoFormat = "best"
	fallbackAudioFormat = "bestaudio/best"
)

// qualityEntry maps a user-facing quality token to a yt-dlp format selector.
type qualityEntry struct {
	Token  string
	Format string
	// Single avoids merging for hosts without ffmpeg.
	Single string
	// AudioQuality is passed to --audio-quality when extracting audio.
	AudioQuality string
}

func videoEntry(height string) qualityEntry {
	return qualityEntry{
		Token:  height,
		Format: "bestvideo[height<=" + height + "][ext=mp4]+bestaudio[ext=m4a]/bestvideo[height<=" + height + "]+bestaudio/best[height<=" + height + "]/best",
		Single: "best[height<=" + height + "][ext=mp4]/best[height<=" + height + "]/best",
	}
}

// Ordered lowest to highest. The order is informational only.
var videoQualities = []qualityEntry{
	videoEntry("240"),
	videoEntry("360"),
	videoEntry("480"),
	videoEntry("720"),
	videoEntry("1080"),
	videoEntry("1440"),
	videoEntry("2160"),
	videoEntry("4320"),
}

var audioQualities = []qualityEntry{
	{Token: "128", Format: "bestaudio[abr<=128]/bestaudio/best", AudioQuality: "128K"},
	{Token: "192", Format: "bestaudio[abr<=192]/bestaudio/best", AudioQuality: "192K"},
	{Token: "256", Format: "bestaudio[abr<=256]/bestaudio/best", AudioQuality: "256K"},
	{Token: "320", Format: "bestaudio/best", AudioQuality: "320K"},
	{Token: "lossless", Format: "bestaudio[acodec=flac]/bestaudio[acodec=alac]/bestaudio/best", AudioQuality: "0"},
	{Token: "aac", Format: "bestaudio[acodec^=mp4a]/bestaudio[ext=m4a]/bestaudio/best", AudioQuality: "0"},
	{Token: "opus", Format: "bestaudio[acodec=opus]/bestaudio/best", AudioQuality: "0"},
	{Token: "opus192", Format: "bestaudio[acodec=opus][abr<=192]/bestaudio[acodec=opus]/bestaudio/best", AudioQuality: "192K"},
}

func lookupQuality(table []qualityEntry, token string) (qualityEntry, bool) {
	for _, e := range table {
		if e.Token == token {
			return e, true
		}
	}
	return qualityEntry{}, false
}

// Selection is a resolved format choice for one download.
type Selection struct {
	Token     string
	Format    string
	Container string
	AudioOnly bool
	// Exact is false when the token was unknown and a wildcard selector was used.
	Exact        bool
	single       string
	audioQuality string
}

// ResolveQuality maps a quality token to a yt-dlp selector. It never fails: unknown tokens
// degrade to a wildcard selector.
func ResolveQuality(token string, audioOnly bool) Selection {
	token = strings.ToLower(strings.TrimSpace(token))

	table, fallback, container, def := videoQualities, fallbackVideoFormat, "mp4", defaultVideoQuality
	if audioOnly {
		table, fallback, container, def = audioQualities, fallbackAudioFormat, "mp3", defaultAudioQuality
	}
	if token == "" {
		token = def
	}

	sel := Selection{Token: token, Container: container, AudioOnly: audioOnly}
	entry, ok := lookupQuality(table, token)
	if !ok {
		sel.Format = fallback
		return sel
	}
	sel.Format = entry.Format
	sel.single = entry.Single
	sel.Exact = true
	sel.audioQuality = entry.AudioQuality
	return sel
}

// Selector returns the format expression to pass with --format. Without ffmpeg, video
// selections fall back to single-stream formats since yt-dlp cannot merge.
func (s Selection) Selector(ffmpeg bool) string {
	if !ffmpeg && s.single != "" {
		return s.single
	}
	return s.Format
}

// Args returns the post-processing arguments yt-dlp needs to produce the container.
func (s Selection) Args(ffmpeg bool) []string {
	if s.AudioOnly {
		args := []string{"--extract-audio", "--audio-format", s.Container}
		if s.audioQuality != "" {
			args = append(args, "--audio-quality", s.audioQuality)
		}
		return args
	}
	if ffmpeg {
		return []string{"--merge-output-format", s.Container}
	}
	return nil
}

// ContentType is the MIME type of the produced artifact.
func (s Selection) ContentType() string {
	if s.AudioOnly {
		return "audio/mpeg"
	}
	return "video/mp4"
}
