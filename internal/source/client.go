package source

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	retry "github.com/sethvargo/go-retry"

	"pixivbot/internal/errkind"
)

const (
	apiBase           = "https://app-api.pixiv.net"
	tokenExpirySafety = 60 * time.Second
	singleflightKey   = "token"
)

// HTTPClient is the interface for performing HTTP requests, satisfied by
// *http.Client and by test doubles.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is an authenticated session against the source API. A single
// Client is shared read-mostly across the scheduler and command handlers;
// only token refresh takes an exclusive path, coalesced by sf. Every
// outgoing request, whether an API call or an image GET made through
// DownloadImage, passes through pace so no two requests this Client makes
// are ever closer together than minInterval.
type Client struct {
	httpClient HTTPClient
	tokens     oauth2.TokenSource
	sf         singleflight.Group

	paceMu        sync.Mutex
	lastRequestAt time.Time
	minInterval   time.Duration
	maxInterval   time.Duration
}

// New builds a Client that refreshes access tokens from refreshToken as
// needed, using httpClient for both the auth and API requests, and paces
// every outgoing request (API calls and image downloads alike) to a
// randomized gap in [minInterval, maxInterval]. A non-positive maxInterval
// disables pacing.
func New(httpClient HTTPClient, refreshToken string, minInterval, maxInterval time.Duration) *Client {
	c := &Client{
		httpClient:  httpClient,
		minInterval: minInterval,
		maxInterval: maxInterval,
	}
	base := newRefreshTokenSource(httpClient, refreshToken, c.pace)
	c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, base, tokenExpirySafety)
	return c
}

// pace blocks until at least a randomized [minInterval, maxInterval] gap has
// elapsed since the previous call's request, enforcing the pacing property
// across every request this Client issues regardless of caller.
func (c *Client) pace() {
	c.paceMu.Lock()
	defer c.paceMu.Unlock()

	if c.maxInterval <= 0 {
		c.lastRequestAt = time.Now()
		return
	}
	if !c.lastRequestAt.IsZero() {
		wait := jitter(c.minInterval, c.maxInterval) - time.Since(c.lastRequestAt)
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	c.lastRequestAt = time.Now()
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// accessToken returns a valid bearer token, coalescing concurrent refreshes
// into a single round-trip.
func (c *Client) accessToken() (string, error) {
	v, err, _ := c.sf.Do(singleflightKey, func() (any, error) {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errkind.ErrAuth, err)
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// forceRefresh discards any cached token so the next accessToken call hits
// the network, used after a 401/403 before the one-shot retry.
func (c *Client) forceRefresh() {
	base := c.tokens
	c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, base, tokenExpirySafety)
}

func (c *Client) doAuthed(ctx context.Context, method, url string, query map[string]string) (*http.Response, error) {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(10*time.Millisecond))

	var resp *http.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := c.accessToken()
		if err != nil {
			return err
		}

		c.pace()

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return fmt.Errorf("%w: build request: %v", errkind.ErrTransport, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Referer", refererHeader)
		req.Header.Set("User-Agent", userAgent)
		if len(query) > 0 {
			q := req.URL.Query()
			for k, v := range query {
				q.Set(k, v)
			}
			req.URL.RawQuery = q.Encode()
		}

		r, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return fmt.Errorf("%w: %v", errkind.ErrTransport, doErr)
		}

		kind := classify(r.StatusCode)
		if kind == errkind.ErrAuth {
			_ = r.Body.Close()
			c.forceRefresh()
			return retry.RetryableError(kind)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// classify maps an HTTP status to the error taxonomy; nil for 2xx.
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errkind.ErrAuth
	case status == http.StatusTooManyRequests:
		return errkind.ErrRateLimited
	case status >= 500:
		return errkind.ErrUpstream
	default:
		return fmt.Errorf("%w: unexpected status %d", errkind.ErrUpstream, status)
	}
}

func readJSON(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	if err := classify(resp.StatusCode); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errkind.ErrTransport, err)
	}
	if err := jsoniter.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", errkind.ErrUpstream, err)
	}
	return nil
}

// ---- wire DTOs, shaped after the source's illust/ranking/user endpoints ----

type illustDTO struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	PageCount int    `json:"page_count"`
	CreateAt  string `json:"create_date"`
	Sanity    int    `json:"sanity_level"`
	Tags      []struct {
		Name string `json:"name"`
	} `json:"tags"`
	User struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	MetaSinglePage struct {
		OriginalImageURL string `json:"original_image_url"`
	} `json:"meta_single_page"`
	MetaPages []struct {
		ImageURLs struct {
			Original string `json:"original"`
		} `json:"image_urls"`
	} `json:"meta_pages"`
}

func (d illustDTO) toWork() Work {
	tags := make([]string, 0, len(d.Tags))
	for _, t := range d.Tags {
		tags = append(tags, t.Name)
	}
	urls := make([]string, 0, d.PageCount)
	if len(d.MetaPages) > 0 {
		for _, p := range d.MetaPages {
			urls = append(urls, p.ImageURLs.Original)
		}
	} else if d.MetaSinglePage.OriginalImageURL != "" {
		urls = append(urls, d.MetaSinglePage.OriginalImageURL)
	}
	created, _ := time.Parse(time.RFC3339, d.CreateAt)
	return Work{
		ID:          d.ID,
		Title:       d.Title,
		AuthorID:    d.User.ID,
		AuthorName:  d.User.Name,
		Tags:        tags,
		PageCount:   d.PageCount,
		ImageURLs:   urls,
		CreatedAt:   created,
		SanityLevel: d.Sanity,
	}
}

type illustListResponse struct {
	Illusts []illustDTO `json:"illusts"`
	NextURL string      `json:"next_url"`
}

type illustDetailResponse struct {
	Illust illustDTO `json:"illust"`
}

type userDetailResponse struct {
	User struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

// ListAuthorWorks paginates the latest works of an author, newest first.
func (c *Client) ListAuthorWorks(ctx context.Context, authorID int64, offset int) ([]Work, error) {
	resp, err := c.doAuthed(ctx, http.MethodGet, apiBase+"/v1/user/illusts", map[string]string{
		"user_id": strconv.FormatInt(authorID, 10),
		"type":    "illust",
		"offset":  strconv.Itoa(offset),
	})
	if err != nil {
		return nil, err
	}
	var parsed illustListResponse
	if err := readJSON(resp, &parsed); err != nil {
		return nil, err
	}
	works := make([]Work, 0, len(parsed.Illusts))
	for _, d := range parsed.Illusts {
		works = append(works, d.toWork())
	}
	return works, nil
}

// WorkDetail returns full metadata for one work.
func (c *Client) WorkDetail(ctx context.Context, workID int64) (Work, error) {
	resp, err := c.doAuthed(ctx, http.MethodGet, apiBase+"/v1/illust/detail", map[string]string{
		"illust_id": strconv.FormatInt(workID, 10),
	})
	if err != nil {
		return Work{}, err
	}
	var parsed illustDetailResponse
	if err := readJSON(resp, &parsed); err != nil {
		return Work{}, err
	}
	return parsed.Illust.toWork(), nil
}

// Ranking returns the ranking list at date (empty string means latest
// available) for the given mode.
func (c *Client) Ranking(ctx context.Context, mode RankingMode, date string) (RankingPage, error) {
	query := map[string]string{"mode": string(mode)}
	if date != "" {
		query["date"] = date
	}
	resp, err := c.doAuthed(ctx, http.MethodGet, apiBase+"/v1/illust/ranking", query)
	if err != nil {
		return RankingPage{}, err
	}
	var parsed struct {
		Illusts []illustDTO `json:"illusts"`
		Date    string      `json:"date"`
	}
	if err := readJSON(resp, &parsed); err != nil {
		return RankingPage{}, err
	}
	works := make([]Work, 0, len(parsed.Illusts))
	for _, d := range parsed.Illusts {
		works = append(works, d.toWork())
	}
	resultDate := parsed.Date
	if resultDate == "" {
		resultDate = date
	}
	return RankingPage{Date: resultDate, Works: works}, nil
}

// UserDetail returns the current display name for an author.
func (c *Client) UserDetail(ctx context.Context, userID int64) (UserProfile, error) {
	resp, err := c.doAuthed(ctx, http.MethodGet, apiBase+"/v1/user/detail", map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
	})
	if err != nil {
		return UserProfile{}, err
	}
	var parsed userDetailResponse
	if err := readJSON(resp, &parsed); err != nil {
		return UserProfile{}, err
	}
	return UserProfile{ID: parsed.User.ID, Name: parsed.User.Name}, nil
}

// DownloadImage performs a raw GET against an image URL with the source's
// Referer header, used by the downloader package.
func (c *Client) DownloadImage(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build image request: %v", errkind.ErrTransport, err)
	}
	req.Header.Set("Referer", refererHeader)
	req.Header.Set("User-Agent", userAgent)

	c.pace()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errkind.ErrTransport, err)
	}
	return resp, nil
}
