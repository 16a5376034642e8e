// Package bse fetches corporate disclosure announcements from the BSE
// announcement API for a single instrument and lookback window.
package bse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "bsemon/pkg/logx"
)

const (
	defaultBaseURL    = "https://api.bseindia.com"
	announcementsPath = "/BseIndiaAPI/api/AnnGetData/w"

	attachmentBaseURL = "https://www.bseindia.com/xml-data/corpfiling/AttachLive/"
	crossRefBaseURL   = "https://www.bseindia.com/Msource/90D/CorpXbrlGen.aspx"

	defaultTimeout = 30 * time.Second
	defaultMaxAnns = 50
)

// Announcement is one disclosure record, produced transiently each cycle.
// PublishedAt is zero when the upstream timestamp could not be parsed; such
// items are "unknown age" and must not be silently dropped.
type Announcement struct {
	InstrumentCode string
	ExternalID     string
	Title          string
	PublishedAt    time.Time
	PublishedRaw   string
	DocumentURI    string
}

type Config struct {
	BaseURL          string        // override for tests; default is the BSE API
	Timeout          time.Duration // per-request bound; default 30s
	MaxAnnouncements int           // per-fetch cap; default 50
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAnnouncements <= 0 {
		cfg.MaxAnnouncements = defaultMaxAnns
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// flexString accepts JSON numbers, strings and null alike. The upstream
// switches between numeric and string ids per record and emits "" when a
// record has no news id; a strict number type would fail the whole Table
// decode on such records.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// record mirrors the fields of one upstream Table entry that we consume.
type record struct {
	Headline       string     `json:"HEADLINE"`
	AttachmentName string     `json:"ATTACHMENTNAME"`
	DissemDT       string     `json:"DissemDT"`
	NewsID         flexString `json:"NEWSID"`
	ScripCD        flexString `json:"SCRIP_CD"`
}

type response struct {
	Table []record `json:"Table"`
}

// Fetch returns announcements for one instrument, most-recent-first as the
// upstream orders them, capped at MaxAnnouncements. The lookback window
// bounds the requested date range; fine-grained recency filtering is the
// caller's job.
//
// Any transport or decode failure returns (nil, err); callers log it and
// continue with the remaining instruments.
func (c *Client) Fetch(ctx context.Context, instrumentCode string, lookback time.Duration) ([]Announcement, error) {
	now := time.Now()
	from := now.Add(-lookback)

	q := url.Values{}
	q.Set("strCat", "-1")
	q.Set("strPrevDate", from.Format("20060102"))
	q.Set("strToDate", now.Format("20060102"))
	q.Set("strScrip", instrumentCode)
	q.Set("strSearch", "P")
	q.Set("strType", "C")

	reqURL := c.cfg.BaseURL + announcementsPath + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	// The API rejects requests without a browser-ish identity.
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Referer", "https://www.bseindia.com/")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch announcements for %s: %w", instrumentCode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch announcements for %s: unexpected status %d", instrumentCode, resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode announcements for %s: %w", instrumentCode, err)
	}

	records := body.Table
	if len(records) > c.cfg.MaxAnnouncements {
		records = records[:c.cfg.MaxAnnouncements]
	}

	out := make([]Announcement, 0, len(records))
	for _, r := range records {
		ann := Announcement{
			InstrumentCode: instrumentCode,
			Title:          strings.TrimSpace(r.Headline),
			PublishedRaw:   r.DissemDT,
		}
		if name := strings.TrimSpace(r.AttachmentName); name != "" {
			ann.DocumentURI = attachmentBaseURL + name
		}

		crossRef := crossRefLink(string(r.NewsID), string(r.ScripCD))
		ann.ExternalID = ExtractExternalID(crossRef, ann.Title, ann.PublishedRaw)

		if ts, ok := parseTimestamp(r.DissemDT); ok {
			ann.PublishedAt = ts
		} else {
			c.log.Warn("unparsable announcement timestamp; keeping item",
				logx.String("instrument", instrumentCode),
				logx.String("raw", r.DissemDT),
				logx.String("title", ann.Title))
		}

		out = append(out, ann)
	}
	return out, nil
}

// crossRefLink builds the XBRL cross-reference link the external id is
// extracted from. Missing ids produce an empty link, which pushes the
// extraction down the fallback path.
func crossRefLink(newsID, scripCD string) string {
	if newsID == "" || scripCD == "" {
		return ""
	}
	return crossRefBaseURL + "?Bsenewid=" + url.QueryEscape(newsID) + "&Scripcode=" + url.QueryEscape(scripCD)
}

// ExtractExternalID derives the dedup identity for one announcement: the
// Bsenewid query parameter of the cross-reference link when present,
// otherwise a title+timestamp composite. The fallback is a weaker identity
// (two announcements sharing headline and timestamp would collide) but the
// upstream identifier format is undocumented, so it is accepted as-is.
func ExtractExternalID(crossRef, title, publishedRaw string) string {
	if crossRef != "" {
		if u, err := url.Parse(crossRef); err == nil {
			if id := u.Query().Get("Bsenewid"); id != "" {
				return id
			}
		}
	}
	return title + publishedRaw
}

// timestampLayouts covers the formats DissemDT has been observed in.
// Parsed in local time; the upstream publishes naive exchange-local stamps.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

func parseTimestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	// Last resort: a date prefix ("2006-01-02 garbage" or truncated ISO).
	if len(s) >= 10 {
		if t, err := time.ParseInLocation("2006-01-02", s[:10], time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
