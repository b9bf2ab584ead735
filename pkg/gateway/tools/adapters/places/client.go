package places

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultBaseURL = "https://nominatim.openstreetmap.org"

// Place is one geocoded point of interest near a property.
type Place struct {
	Name     string
	Category string
	Address  string
	Lat      float64
	Lon      float64
}

type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

func NewClient(baseURL, userAgent string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "guestrix-concierge/1.0"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

func (c *Client) Search(ctx context.Context, query string, near string, maxResults int) ([]Place, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	full := query
	if strings.TrimSpace(near) != "" {
		full = query + " near " + near
	}

	params := url.Values{}
	params.Set("q", full)
	params.Set("format", "jsonv2")
	params.Set("limit", strconv.Itoa(maxResults))
	params.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("places error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded []struct {
		DisplayName string `json:"display_name"`
		Name        string `json:"name"`
		Category    string `json:"category"`
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]Place, 0, len(decoded))
	for _, r := range decoded {
		lat, _ := strconv.ParseFloat(r.Lat, 64)
		lon, _ := strconv.ParseFloat(r.Lon, 64)
		name := r.Name
		if name == "" {
			name = r.DisplayName
		}
		results = append(results, Place{
			Name:     name,
			Category: r.Category,
			Address:  r.DisplayName,
			Lat:      lat,
			Lon:      lon,
		})
	}
	return results, nil
}
