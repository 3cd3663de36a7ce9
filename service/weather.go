package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lai/datagate/telemetry"
	"github.com/lai/datagate/units"
)

// WeatherProvider returns the current weather document at a coordinate.
type WeatherProvider interface {
	Current(ctx context.Context, lat, lon float64) (map[string]any, error)
}

// OpenWeatherClient queries the OpenWeather current-weather API.
type OpenWeatherClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewOpenWeatherClient(baseURL, apiKey string, timeout time.Duration) *OpenWeatherClient {
	return &OpenWeatherClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenWeatherClient) Current(ctx context.Context, lat, lon float64) (map[string]any, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openweather http status: %d %s", resp.StatusCode, truncate(sample, 160))
	}

	var out map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode openweather response: %w", err)
	}
	return out, nil
}

// weatherKeys are copied verbatim from the provider response when present.
var weatherKeys = []string{
	"weather", "base", "main", "visibility", "wind", "clouds",
	"dt", "sys", "timezone", "id", "name", "cod",
}

// Enricher merges an asset's cached fix with the weather at its position.
type Enricher struct {
	cache    *PositionCache
	provider WeatherProvider
	now      func() time.Time
}

func NewEnricher(cache *PositionCache, provider WeatherProvider) *Enricher {
	return &Enricher{cache: cache, provider: provider, now: time.Now}
}

// Weather returns the enriched view for the named asset. It fails with
// ErrNotFound when no fix is cached and ErrUpstream when the provider fails.
func (e *Enricher) Weather(ctx context.Context, name string) (map[string]any, error) {
	pos, ok := e.cache.Get(telemetry.NormalizeKey(name))
	if !ok {
		return nil, fmt.Errorf("no last position for asset %q: %w", name, ErrNotFound)
	}

	wx, err := e.provider.Current(ctx, pos.Lat, pos.Lon)
	if err != nil {
		slog.Error("weather lookup failed", "asset", pos.AssetName, "error", err)
		return nil, fmt.Errorf("%w: weather lookup: %w", ErrUpstream, err)
	}

	return e.merge(pos, wx), nil
}

func (e *Enricher) merge(pos CachedPosition, wx map[string]any) map[string]any {
	speed := 0.0
	if pos.SpeedKnots != nil {
		speed = units.Round(*pos.SpeedKnots, 3)
	}

	out := map[string]any{
		"asset_name":        pos.AssetName,
		"timestamp":         pos.RXTime,
		"speed_calculation": speed,
		"latitude":          units.Round(pos.Lat, 6),
		"longitude":         units.Round(pos.Lon, 6),
		"coord": map[string]float64{
			"lon": units.Round(pos.Lon, 4),
			"lat": units.Round(pos.Lat, 4),
		},
	}
	if pos.RXTime == "" {
		out["timestamp"] = isoTime(e.now())
	}
	if pos.HeadingDeg != nil {
		out["heading_calculation"] = *pos.HeadingDeg
	}

	for _, k := range weatherKeys {
		if v, ok := wx[k]; ok {
			out[k] = v
		}
	}

	out["wind_speed_ms"] = nil
	if wind, ok := wx["wind"].(map[string]any); ok {
		if v, ok := wind["speed"]; ok {
			out["wind_speed_ms"] = v
		}
	}
	return out
}
