// Package commons reads the file metadata a declaration needs from the
// Wikimedia Commons action API and its structured data (SDC) entities.
package commons

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

const (
	// DefaultAPIURL is the Commons action API endpoint.
	DefaultAPIURL = "https://commons.wikimedia.org/w/api.php"

	// ThumbnailWidth is the width requested for declaration thumbnails.
	ThumbnailWidth = 128

	// titlesPerQuery is the action API limit for anonymous clients.
	titlesPerQuery = 50

	entityCacheSize = 512
	entityCacheTTL  = 15 * time.Minute
	maxAPIResponse  = 8 << 20
)

// File is the latest revision of a Commons file page.
type File struct {
	Title               string
	PageID              int64
	RevisionID          int64
	SHA1                string
	URL                 string
	DescriptionShortURL string
	ThumbURL            string
	Size                int64
	Width               int
	Height              int
}

// FileName is the title without the "File:" namespace.
func (f *File) FileName() string {
	_, name, ok := strings.Cut(f.Title, ":")
	if !ok {
		return f.Title
	}
	return name
}

// Location is the short description page URL declared as the work's
// location.
func (f *File) Location() (string, error) {
	if f.DescriptionShortURL == "" {
		return "", errs.Newf(errs.KindMetadata, "location", "no description URL for %q", f.Title)
	}
	return f.DescriptionShortURL, nil
}

// Client talks to one MediaWiki installation.
type Client struct {
	APIURL     string
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger

	entities *expirable.LRU[string, *Entity]
}

// NewClient returns a Client for apiURL (DefaultAPIURL when empty).
// Wikimedia rejects requests without a descriptive User-Agent.
func NewClient(apiURL, userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		APIURL:     apiURL,
		HTTPClient: &http.Client{Timeout: timeout},
		UserAgent:  userAgent,
		Logger:     logger.With(slog.String("component", "commons")),
		entities:   expirable.NewLRU[string, *Entity](entityCacheSize, nil, entityCacheTTL),
	}
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

type queryResponse struct {
	Query struct {
		Pages []struct {
			PageID    int64  `json:"pageid"`
			Title     string `json:"title"`
			Missing   bool   `json:"missing"`
			Invalid   bool   `json:"invalid"`
			Revisions []struct {
				RevID int64 `json:"revid"`
			} `json:"revisions"`
			ImageInfo []struct {
				SHA1                string `json:"sha1"`
				URL                 string `json:"url"`
				DescriptionShortURL string `json:"descriptionshorturl"`
				ThumbURL            string `json:"thumburl"`
				Size                int64  `json:"size"`
				Width               int    `json:"width"`
				Height              int    `json:"height"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

// File resolves title ("File:..." or a bare file name) to its latest
// revision. A missing page or absent file info is errs.KindMetadata.
func (c *Client) File(ctx context.Context, title string) (*File, error) {
	if !strings.Contains(title, ":") {
		title = "File:" + title
	}
	params := url.Values{
		"action":     {"query"},
		"titles":     {title},
		"prop":       {"imageinfo|revisions"},
		"iiprop":     {"sha1|url|size"},
		"iiurlwidth": {strconv.Itoa(ThumbnailWidth)},
		"rvprop":     {"ids"},
	}
	var resp queryResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Query.Pages) == 0 {
		return nil, errs.Newf(errs.KindMetadata, "commons file", "no page returned for %q", title)
	}
	page := resp.Query.Pages[0]
	if page.Missing || page.Invalid || page.PageID == 0 {
		return nil, errs.Newf(errs.KindMetadata, "commons file", "page %q does not exist", title)
	}
	if len(page.ImageInfo) == 0 || len(page.Revisions) == 0 {
		return nil, errs.Newf(errs.KindMetadata, "commons file", "page %q has no file information", title)
	}
	info := page.ImageInfo[0]
	return &File{
		Title:               page.Title,
		PageID:              page.PageID,
		RevisionID:          page.Revisions[0].RevID,
		SHA1:                info.SHA1,
		URL:                 info.URL,
		DescriptionShortURL: info.DescriptionShortURL,
		ThumbURL:            info.ThumbURL,
		Size:                info.Size,
		Width:               info.Width,
		Height:              info.Height,
	}, nil
}

// Titles returns the titles of pageIDs in the given order. Ids that no
// longer resolve are skipped and logged.
func (c *Client) Titles(ctx context.Context, pageIDs []int64) ([]string, error) {
	byID := make(map[int64]string, len(pageIDs))
	for start := 0; start < len(pageIDs); start += titlesPerQuery {
		end := min(start+titlesPerQuery, len(pageIDs))
		ids := make([]string, 0, end-start)
		for _, id := range pageIDs[start:end] {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		var resp queryResponse
		if err := c.get(ctx, url.Values{"action": {"query"}, "pageids": {strings.Join(ids, "|")}}, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Query.Pages {
			if !p.Missing && p.Title != "" {
				byID[p.PageID] = p.Title
			}
		}
	}
	titles := make([]string, 0, len(pageIDs))
	for _, id := range pageIDs {
		title, ok := byID[id]
		if !ok {
			c.Logger.Warn("page id did not resolve", slog.Int64("page_id", id))
			continue
		}
		titles = append(titles, title)
	}
	return titles, nil
}

// Download streams the file into dir and returns its path.
func (c *Client) Download(ctx context.Context, f *File, dir string) (string, error) {
	if f.URL == "" {
		return "", errs.Newf(errs.KindMetadata, "download file", "no download URL for %q", f.Title)
	}
	name := filepath.Base(f.FileName())
	path := filepath.Join(dir, name)
	c.Logger.Info("downloading file", slog.String("title", f.Title), slog.String("path", path))

	resp, err := c.fetch(ctx, f.URL)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", f.Title, err)
	}
	defer resp.Body.Close()

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return "", fmt.Errorf("download %s: %w", f.Title, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// Thumbnail returns the base64 encoded scaled image, or "" when the API
// offered no thumbnail for the file.
func (c *Client) Thumbnail(ctx context.Context, f *File) (string, error) {
	if f.ThumbURL == "" {
		return "", nil
	}
	resp, err := c.fetch(ctx, f.ThumbURL)
	if err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", f.Title, err)
	}
	defer resp.Body.Close()
	data, err := readLimited(resp.Body, maxAPIResponse)
	if err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", f.Title, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) get(ctx context.Context, params url.Values, out any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "commons api", "invalid API URL", err)
	}
	u.RawQuery = params.Encode()

	resp, err := c.fetch(ctx, u.String())
	if err != nil {
		return fmt.Errorf("commons %s: %w", params.Get("action"), err)
	}
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, maxAPIResponse)
	if err != nil {
		return fmt.Errorf("commons %s: %w", params.Get("action"), err)
	}

	var probe struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if probe.Error != nil {
		return fmt.Errorf("commons %s: %s: %s", params.Get("action"), probe.Error.Code, probe.Error.Info)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// fetch performs a GET and returns the response when the status is 2xx.
func (c *Client) fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// readLimited reads r to the end, failing when it holds more than limit
// bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return b, nil
}
