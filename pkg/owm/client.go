// Package owm is a client for the OpenWeatherMap daily forecast API.
package owm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/resilience"
)

// DefaultBaseURL is the pro-tier daily forecast endpoint.
const DefaultBaseURL = "https://pro.openweathermap.org/data/2.5/forecast/daily"

// DefaultDays is the forecast horizon requested per city.
const DefaultDays = 7

// Client fetches daily forecasts for a coordinate.
type Client interface {
	DailyForecast(ctx context.Context, lat, lon float64) (*Forecast, error)
}

// Day is one forecast day. Rain is 0 when the provider omits it.
type Day struct {
	Date time.Time
	Rain float64
}

// Forecast is the normalized provider response.
type Forecast struct {
	Days       []Day
	Population *int64
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the forecast endpoint (used by tests).
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithDays sets the cnt parameter.
func WithDays(n int) Option {
	return func(c *client) {
		if n > 0 {
			c.days = n
		}
	}
}

type client struct {
	apiKey     string
	baseURL    string
	days       int
	httpClient *http.Client
}

// NewClient creates a forecast client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) Client {
	c := &client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		days:       DefaultDays,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type dailyResponse struct {
	City struct {
		Population *int64 `json:"population"`
	} `json:"city"`
	List []struct {
		Dt   int64    `json:"dt"`
		Rain *float64 `json:"rain"`
	} `json:"list"`
}

func (c *client) DailyForecast(ctx context.Context, lat, lon float64) (*Forecast, error) {
	params := url.Values{
		"lat":   {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":   {strconv.FormatFloat(lon, 'f', -1, 64)},
		"cnt":   {strconv.Itoa(c.days)},
		"units": {"metric"},
		"appid": {c.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "owm: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "owm: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := eris.Errorf("owm: status %d: %s", resp.StatusCode, snippet)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var body dailyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, eris.Wrap(err, "owm: decode response")
	}

	fc := &Forecast{
		Days:       make([]Day, 0, len(body.List)),
		Population: body.City.Population,
	}
	for _, d := range body.List {
		var rain float64
		if d.Rain != nil {
			rain = *d.Rain
		}
		fc.Days = append(fc.Days, Day{
			Date: time.Unix(d.Dt, 0).UTC().Truncate(24 * time.Hour),
			Rain: rain,
		})
	}
	return fc, nil
}
