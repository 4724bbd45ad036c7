package music

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

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultTokenURL   = "https://accounts.spotify.com/api/token"
	DefaultAPIBaseURL = "https://api.spotify.com/v1"
	embedBaseURL      = "https://open.spotify.com/embed/track/"
)

// ErrUpstream marks failures talking to the external catalog.
var ErrUpstream = errors.New("music catalog request failed")

// Track describes one search hit.
type Track struct {
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	SpotifyURL string `json:"spotify_url"`
	EmbedURL   string `json:"embed_url"`
}

// Catalog searches tracks.
type Catalog interface {
	SearchTracks(ctx context.Context, query, market string, limit int) ([]Track, error)
}

// SpotifyConfig holds client credentials and endpoints.
type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBaseURL   string
	Timeout      time.Duration
}

// SpotifyClient is a Catalog backed by the Spotify Web API.
type SpotifyClient struct {
	http    *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewSpotifyClient returns a client authenticating with the client-credentials
// grant. Tokens are fetched and refreshed by the oauth2 transport.
func NewSpotifyClient(cfg SpotifyConfig, logger *zap.Logger) (*SpotifyClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify client credentials are not configured")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	client := creds.Client(ctx)
	client.Timeout = cfg.Timeout

	return &SpotifyClient{
		http:    client,
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		logger:  logger.Named("spotify"),
	}, nil
}

type searchResponse struct {
	Tracks struct {
		Items []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			ExternalURLs struct {
				Spotify string `json:"spotify"`
			} `json:"external_urls"`
		} `json:"items"`
	} `json:"tracks"`
}

// SearchTracks runs a track search. All failures wrap ErrUpstream.
func (c *SpotifyClient) SearchTracks(ctx context.Context, query, market string, limit int) ([]Track, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("type", "track")
	params.Set("limit", strconv.Itoa(limit))
	if market != "" {
		params.Set("market", market)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("search request failed", zap.String("query", query), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("search returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	tracks := make([]Track, 0, len(payload.Tracks.Items))
	for _, item := range payload.Tracks.Items {
		artist := ""
		if len(item.Artists) > 0 {
			artist = item.Artists[0].Name
		}
		tracks = append(tracks, Track{
			Name:       item.Name,
			Artist:     artist,
			SpotifyURL: item.ExternalURLs.Spotify,
			EmbedURL:   embedBaseURL + item.ID,
		})
	}
	return tracks, nil
}
