// Package ll2 fetches upcoming launches from Launch Library 2 and maps them
// to snapshots.
package ll2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"launchbot/internal/launch"
	logx "launchbot/pkg/logx"
)

const (
	DefaultBaseURL = "https://ll.thespacedevs.com/2.2.0"
	DefaultLimit   = 30

	// Provider names longer than this are keyed by their abbreviation.
	maxProviderName = len("Virgin Orbit")
	maxBody         = 8 << 20
)

type Config struct {
	BaseURL   string
	Limit     int
	Timeout   time.Duration
	UserAgent string
}

// Batch is the result of one fetch.
type Batch struct {
	Snapshots []launch.Snapshot
	FetchedAt time.Time
	Bytes     int
	// Skipped counts results that could not be mapped.
	Skipped int
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	// RetryAfter is set on 429 when the server sent a hint.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string { return fmt.Sprintf("ll2: http %d", e.Code) }

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithNow(now func() time.Time) Option { return func(c *Client) { c.now = now } }

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
	log  logx.Logger
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "launchbot"
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
		log:  log.With(logx.String("comp", "ll2")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("mode", "detailed")
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/launch/upcoming/?" + q.Encode()
}

// Fetch downloads the upcoming list. FetchedAt is taken when the request is
// sent so that it never postdates the data.
func (c *Client) Fetch(ctx context.Context) (Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(), nil)
	if err != nil {
		return Batch{}, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	fetchedAt := c.now()
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Batch{}, fmt.Errorf("ll2: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		se := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
				se.RetryAfter = time.Duration(s) * time.Second
			}
		}
		return Batch{}, se
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Batch{}, fmt.Errorf("ll2: read body: %w", err)
	}
	var page upcomingPage
	if err := json.Unmarshal(body, &page); err != nil {
		return Batch{}, fmt.Errorf("ll2: decode: %w", err)
	}

	out := Batch{FetchedAt: fetchedAt, Bytes: len(body)}
	for _, raw := range page.Results {
		snap, err := raw.snapshot()
		if err != nil {
			out.Skipped++
			c.log.Warn("skipping launch", logx.String("id", raw.ID), logx.Err(err))
			continue
		}
		out.Snapshots = append(out.Snapshots, snap)
	}
	c.log.Debug("fetched upcoming launches",
		logx.Int("count", len(out.Snapshots)),
		logx.Int("skipped", out.Skipped),
		logx.Int("bytes", out.Bytes),
		logx.Duration("took", time.Since(start)),
	)
	return out, nil
}

type upcomingPage struct {
	Count   int          `json:"count"`
	Results []launchJSON `json:"results"`
}

type launchJSON struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Net    string `json:"net"`
	Status struct {
		Name   string `json:"name"`
		Abbrev string `json:"abbrev"`
	} `json:"status"`
	Provider *struct {
		Name   string `json:"name"`
		Abbrev string `json:"abbrev"`
	} `json:"launch_service_provider"`
	Rocket struct {
		Configuration struct {
			Name     string `json:"name"`
			FullName string `json:"full_name"`
		} `json:"configuration"`
	} `json:"rocket"`
	Mission *struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"mission"`
	Pad struct {
		Name     string `json:"name"`
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"pad"`
	VidURLs []struct {
		Priority int    `json:"priority"`
		URL      string `json:"url"`
	} `json:"vidURLs"`
}

type details struct {
	Vehicle     string `json:"vehicle,omitempty"`
	Mission     string `json:"mission,omitempty"`
	Description string `json:"description,omitempty"`
	Pad         string `json:"pad,omitempty"`
	Location    string `json:"location,omitempty"`
	Webcast     string `json:"webcast,omitempty"`
}

var errNoID = errors.New("missing id")

func (l launchJSON) snapshot() (launch.Snapshot, error) {
	if strings.TrimSpace(l.ID) == "" {
		return launch.Snapshot{}, errNoID
	}
	net, err := time.Parse(time.RFC3339, l.Net)
	if err != nil {
		return launch.Snapshot{}, fmt.Errorf("net %q: %w", l.Net, err)
	}
	abbrev := l.Status.Abbrev
	if abbrev == "" {
		abbrev = l.Status.Name
	}
	status := launch.ParseStatus(abbrev)
	snap := launch.Snapshot{
		ID:       l.ID,
		Name:     l.Name,
		NetUnix:  net.Unix(),
		Status:   status,
		Launched: status.Launched(),
	}
	if l.Provider != nil {
		snap.ProviderName = l.Provider.Name
		snap.ProviderKey = ProviderKey(l.Provider.Name, l.Provider.Abbrev)
	}

	d := details{
		Vehicle:  l.Rocket.Configuration.FullName,
		Pad:      l.Pad.Name,
		Location: l.Pad.Location.Name,
		Webcast:  bestWebcast(l),
	}
	if d.Vehicle == "" {
		d.Vehicle = l.Rocket.Configuration.Name
	}
	if l.Mission != nil {
		d.Mission = l.Mission.Name
		d.Description = l.Mission.Description
	}
	if snap.Details, err = json.Marshal(d); err != nil {
		return launch.Snapshot{}, err
	}
	return snap, nil
}

// ProviderKey is the name recipients subscribe with: the full name, or the
// abbreviation when the name is long and an abbreviation exists.
func ProviderKey(name, abbrev string) string {
	name, abbrev = strings.TrimSpace(name), strings.TrimSpace(abbrev)
	if len(name) > maxProviderName && abbrev != "" {
		return abbrev
	}
	return name
}

// bestWebcast returns the first URL with the lowest priority number.
func bestWebcast(l launchJSON) string {
	best, out := 0, ""
	for _, v := range l.VidURLs {
		if v.URL == "" {
			continue
		}
		if out == "" || v.Priority < best {
			best, out = v.Priority, v.URL
		}
	}
	return out
}
