package source

import (
	"crypto/md5" //nolint:gosec // required by the source API's own hash scheme
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/oauth2"

	"pixivbot/internal/errkind"
)

const (
	authURL      = "https://oauth.secure.pixiv.net/auth/token"
	clientID     = "MOBrBDS8blbauoSck0ZfDbtuzpyT"
	clientSecret = "lsACyCD94FhDUtGTXi3QzcFE2uU1hqtDaKeqrdwj"
	hashSecret   = "28c1fdd170a5204386cb1313c7077b34f83e4aaf4aa829ce78c231e05b0bae2c"
	userAgent    = "PixivIOSApp/7.13.3 (iOS 14.6; iPhone13,2)"
)

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refreshTokenSource implements oauth2.TokenSource by exchanging a refresh
// token for a new access token on every call. Callers should wrap it in
// oauth2.ReuseTokenSourceWithExpiry so Token is only invoked near expiry.
// pace is the owning Client's pace method, so a refresh round-trip is paced
// exactly like any other outgoing source request.
type refreshTokenSource struct {
	httpClient   HTTPClient
	refreshToken string
	pace         func()
}

func newRefreshTokenSource(httpClient HTTPClient, refreshToken string, pace func()) oauth2.TokenSource {
	return &refreshTokenSource{httpClient: httpClient, refreshToken: refreshToken, pace: pace}
}

func (r *refreshTokenSource) Token() (*oauth2.Token, error) {
	now := time.Now().UTC().Format("2006-01-02T15:04:05+00:00")
	hash := md5.Sum([]byte(now + hashSecret)) //nolint:gosec

	form := url.Values{
		"get_secure_url": {"1"},
		"client_id":      {clientID},
		"client_secret":  {clientSecret},
		"grant_type":     {"refresh_token"},
		"refresh_token":  {r.refreshToken},
	}

	req, err := http.NewRequest(http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build auth request: %v", errkind.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Client-Time", now)
	req.Header.Set("X-Client-Hash", fmt.Sprintf("%x", hash))
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("App-OS", "ios")
	req.Header.Set("App-OS-Version", "14.6")

	r.pace()

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token request: %v", errkind.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read auth response: %v", errkind.ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: auth failed with status %d", errkind.ErrAuth, resp.StatusCode)
	}

	var parsed authResponse
	if err := jsoniter.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse auth response: %v", errkind.ErrAuth, err)
	}
	if parsed.RefreshToken != "" {
		r.refreshToken = parsed.RefreshToken
	}

	return &oauth2.Token{
		AccessToken: parsed.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
