package app

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// FailureCache remembers URLs whose content was reported unavailable so that repeated
// requests fail without spawning yt-dlp again. A nil *FailureCache is a no-op.
type FailureCache struct {
	lru *expirable.LRU[string, *DownloadError]
}

// failureKey scopes a remembered failure to the URL and the format choice, since some
// unavailable errors only apply to one quality.
func failureKey(url string, sel Selection) string {
	return fmt.Sprintf("%s\x00%s\x00%t", url, sel.Token, sel.AudioOnly)
}

func NewFailureCache(size int, ttl time.Duration) *FailureCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &FailureCache{lru: expirable.NewLRU[string, *DownloadError](size, nil, ttl)}
}

func (f *FailureCache) Get(key string) (*DownloadError, bool) {
	if f == nil {
		return nil, false
	}
	return f.lru.Get(key)
}

// Remember stores err under key if it describes unavailable content.
func (f *FailureCache) Remember(key string, err *DownloadError) {
	if f == nil || err == nil || err.Kind != KindUnavailable {
		return
	}
	f.lru.Add(key, err)
}

func (f *FailureCache) Len() int {
	if f == nil {
		return 0
	}
	return f.lru.Len()
}
