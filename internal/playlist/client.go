package playlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
)

const defaultHTTPTimeout = 30 * time.Second

type ClientConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Client reads playlists from the music catalog web API. Requests are authorized with an app token
// obtained through the OAuth2 client credentials flow, refreshed when it expires.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(c ClientConfig) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}

	if c.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		authed := cc.Client(ctx)
		authed.Timeout = hc.Timeout
		hc = authed
	}

	return &Client{
		baseURL: strings.TrimRight(c.BaseURL, "/"),
		http:    hc,
	}
}

// Fetch implements lobby.PlaylistSource.
func (c *Client) Fetch(ctx context.Context, playlistID string) (*domain.Playlist, error) {
	endpoint := fmt.Sprintf("%s/v1/playlists/%s", c.baseURL, url.PathEscape(playlistID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch playlist %s: %w", playlistID, ctx.Err())
		}
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("music catalog is unavailable"),
			errors.WithCause(err),
		)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("playlist not found: %s", playlistID))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("music catalog returned status %d", resp.StatusCode),
			errors.WithCause(fmt.Errorf("response: %s", body)),
		)
	}

	var pl catalogPlaylist
	if err := json.NewDecoder(resp.Body).Decode(&pl); err != nil {
		return nil, fmt.Errorf("decode playlist %s: %w", playlistID, err)
	}

	return pl.toDomain(), nil
}

type catalogPlaylist struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tracks struct {
		Items []struct {
			Track *catalogTrack `json:"track"`
		} `json:"items"`
	} `json:"tracks"`
}

type catalogTrack struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PreviewURL *string `json:"preview_url"`
	Artists    []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"artists"`
}

func (p catalogPlaylist) toDomain() *domain.Playlist {
	out := &domain.Playlist{
		ID:     p.ID,
		Name:   p.Name,
		Tracks: make([]domain.Track, 0, len(p.Tracks.Items)),
	}

	for _, item := range p.Tracks.Items {
		// Removed or local tracks come back without a track object.
		if item.Track == nil || item.Track.ID == "" {
			continue
		}

		tr := domain.Track{
			ID:   item.Track.ID,
			Name: item.Track.Name,
		}
		if item.Track.PreviewURL != nil {
			tr.PreviewURL = *item.Track.PreviewURL
		}
		if len(item.Track.Artists) > 0 {
			tr.PrimaryArtist = domain.Artist{
				ID:   item.Track.Artists[0].ID,
				Name: item.Track.Artists[0].Name,
			}
		}

		out.Tracks = append(out.Tracks, tr)
	}

	return out
}
