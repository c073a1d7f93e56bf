// Package source encapsulates the OAuth-authenticated HTTP session against
// the image-hosting source and the typed calls made over it.
package source

import (
	"time"
)

const refererHeader = "https://app-api.pixiv.net/"

// Work is one published content unit on the source.
type Work struct {
	ID         int64
	Title      string
	AuthorID   int64
	AuthorName string
	Tags       []string
	PageCount  int
	ImageURLs  []string
	CreatedAt  time.Time
	// SanityLevel is the source's own content-sensitivity rating; higher
	// values indicate more sensitive content.
	SanityLevel int
}

// UserProfile is the source's current display data for an author.
type UserProfile struct {
	ID   int64
	Name string
}

// RankingMode selects a ranking period.
type RankingMode string

// Supported ranking modes, matching the source's own query parameter names.
const (
	RankingDay   RankingMode = "day"
	RankingWeek  RankingMode = "week"
	RankingMonth RankingMode = "month"
)

// RankingPage is one dated snapshot of a ranking query.
type RankingPage struct {
	Date  string
	Works []Work
}
