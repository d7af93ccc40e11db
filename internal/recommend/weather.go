package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Weather is a single-day forecast summary.
type Weather struct {
	Temperature              float64 `json:"temperature"`
	Condition                string  `json:"condition"`
	PrecipitationProbability int     `json:"precipitation_probability"`
}

// WeatherClient reads daily forecasts from an Open-Meteo compatible API.
type WeatherClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWeatherClient creates a forecast client.
func NewWeatherClient(baseURL string, timeout time.Duration, logger *zap.Logger) *WeatherClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WeatherClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type forecastResponse struct {
	Daily struct {
		Time             []string  `json:"time"`
		TempMax          []float64 `json:"temperature_2m_max"`
		TempMin          []float64 `json:"temperature_2m_min"`
		WeatherCode      []int     `json:"weather_code"`
		PrecipitationMax []int     `json:"precipitation_probability_max"`
	} `json:"daily"`
}

// ForecastForTomorrow returns tomorrow's (UTC) forecast at lat/lon.
func (w *WeatherClient) ForecastForTomorrow(ctx context.Context, lat, lon float64) (*Weather, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,weather_code,precipitation_probability_max")
	q.Set("timezone", "UTC")
	q.Set("forecast_days", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast service returned status %d", resp.StatusCode)
	}

	var fr forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("failed to parse forecast: %w", err)
	}

	d := fr.Daily
	if len(d.TempMax) < 2 || len(d.TempMin) < 2 || len(d.WeatherCode) < 2 {
		return nil, fmt.Errorf("forecast missing tomorrow")
	}

	weather := &Weather{
		Temperature: (d.TempMax[1] + d.TempMin[1]) / 2,
		Condition:   conditionForCode(d.WeatherCode[1]),
	}
	if len(d.PrecipitationMax) > 1 {
		weather.PrecipitationProbability = d.PrecipitationMax[1]
	}
	return weather, nil
}

// conditionForCode maps a WMO weather code onto the condition vocabulary
// the recommendation service understands.
func conditionForCode(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code <= 2:
		return "partly_cloudy"
	case code == 3:
		return "cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67, code >= 80 && code <= 82:
		return "rain"
	case code >= 71 && code <= 77, code == 85 || code == 86:
		return "snow"
	case code >= 95:
		return "thunderstorm"
	default:
		return "unknown"
	}
}
