package app

import (
	"errors"
	"regexp"
	"strings"
)

// Platform identifies the content source a URL belongs to.
type Platform string

const (
	PlatformYouTube     Platform = "youtube"
	PlatformSpotify     Platform = "spotify"
	PlatformInstagram   Platform = "instagram"
	PlatformTwitter     Platform = "twitter"
	PlatformTikTok      Platform = "tiktok"
	PlatformSoundCloud  Platform = "soundcloud"
	PlatformFacebook    Platform = "facebook"
	PlatformTwitch      Platform = "twitch"
	PlatformCrunchyroll Platform = "crunchyroll"
	PlatformHiAnime     Platform = "hianime"
	PlatformReddit      Platform = "reddit"
	PlatformPinterest   Platform = "pinterest"
)

var (
	ErrDuplicatePlatform = errors.New("duplicate platform")
	ErrInvalidPlatform   = errors.New("invalid platform entry")
)

// platformEntry pairs a platform with the pattern that claims its URLs.
type platformEntry struct {
	Platform Platform
	Pattern  *regexp.Regexp
	// Episodic platforms accept an episode list from the client.
	Episodic bool
	// NeedsYtDlp is false for platforms that remain servable without yt-dlp.
	NeedsYtDlp bool
}

// platformRegistry is an ordered table of platform patterns. Matching walks the table in
// insertion order and the first match wins.
type platformRegistry struct {
	entries []platformEntry
	byName  map[Platform]int
}

func (r *platformRegistry) add(e platformEntry) error {
	if r.byName == nil {
		r.byName = make(map[Platform]int)
	}
	if e.Platform == "" || e.Pattern == nil {
		return ErrInvalidPlatform
	}
	if _, ok := r.byName[e.Platform]; ok {
		return ErrDuplicatePlatform
	}
	r.byName[e.Platform] = len(r.entries)
	r.entries = append(r.entries, e)
	return nil
}

func (r *platformRegistry) mustAdd(p Platform, pattern string, episodic, needsYtDlp bool) {
	err := r.add(platformEntry{
		Platform:   p,
		Pattern:    regexp.MustCompile(pattern),
		Episodic:   episodic,
		NeedsYtDlp: needsYtDlp,
	})
	if err != nil {
		panic(err)
	}
}

func (r *platformRegistry) match(s string) (Platform, bool) {
	for _, e := range r.entries {
		if e.Pattern.MatchString(s) {
			return e.Platform, true
		}
	}
	return "", false
}

func (r *platformRegistry) lookup(p Platform) (platformEntry, bool) {
	i, ok := r.byName[p]
	if !ok {
		return platformEntry{}, false
	}
	return r.entries[i], true
}

func (r *platformRegistry) list(filter func(platformEntry) bool) []Platform {
	out := make([]Platform, 0, len(r.entries))
	for _, e := range r.entries {
		if filter == nil || filter(e) {
			out = append(out, e.Platform)
		}
	}
	return out
}

// platforms is the single pattern table used for both URL validation and download
// authorization. Patterns are mutually exclusive by domain.
var platforms = func() *platformRegistry {
	r := &platformRegistry{}
	r.mustAdd(PlatformYouTube, `(?i)^(https?://)?((www|m|music)\.)?(youtube\.com|youtu\.be)/.+`, false, true)
	r.mustAdd(PlatformSpotify, `(?i)^(https?://)?(open\.)?spotify\.com/(intl-[a-z]+/)?(track|album|playlist|episode|show|artist)/[a-z0-9]+`, false, false)
	r.mustAdd(PlatformInstagram, `(?i)^(https?://)?(www\.)?instagram\.com/(p|reel|reels|tv|stories)/[\w.-]+`, false, true)
	r.mustAdd(PlatformTwitter, `(?i)^(https?://)?((www|mobile)\.)?(twitter\.com|x\.com)/\w+/status/\d+`, false, true)
	r.mustAdd(PlatformTikTok, `(?i)^(https?://)?((www|vm|vt|m)\.)?tiktok\.com/.+`, false, true)
	r.mustAdd(PlatformSoundCloud, `(?i)^(https?://)?((www|m|on)\.)?soundcloud\.com/.+`, false, true)
	r.mustAdd(PlatformFacebook, `(?i)^(https?://)?((www|m|web)\.)?(facebook\.com|fb\.watch)/.+`, false, true)
	r.mustAdd(PlatformTwitch, `(?i)^(https?://)?((www|m|clips)\.)?twitch\.tv/.+`, false, true)
	r.mustAdd(PlatformCrunchyroll, `(?i)^(https?://)?(www\.)?crunchyroll\.com/.+`, true, true)
	r.mustAdd(PlatformHiAnime, `(?i)^(https?://)?(www\.)?hianime\.(to|nz|sx)/.+`, true, true)
	r.mustAdd(PlatformReddit, `(?i)^(https?://)?((www|old|new)\.)?(reddit\.com|redd\.it)/.+`, false, true)
	r.mustAdd(PlatformPinterest, `(?i)^(https?://)?((www|[a-z]{2})\.)?(pinterest\.[a-z.]+|pin\.it)/.+`, false, true)
	return r
}()

// SupportedPlatforms returns the allow-list in matching order.
func SupportedPlatforms() []Platform {
	return platforms.list(nil)
}

// StandalonePlatforms returns the platforms that do not depend on yt-dlp.
func StandalonePlatforms() []Platform {
	return platforms.list(func(e platformEntry) bool { return !e.NeedsYtDlp })
}

// ParsePlatform accepts a client supplied platform hint.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := platforms.lookup(p); !ok {
		return "", false
	}
	return p, true
}

// IsEpisodic reports whether the platform serves numbered episodes.
func (p Platform) IsEpisodic() bool {
	e, ok := platforms.lookup(p)
	return ok && e.Episodic
}

func (p Platform) String() string {
	return string(p)
}
