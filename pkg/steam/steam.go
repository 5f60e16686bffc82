// Package steam implements the Steam store, Web API and SteamSpy sources
// and the transformers that turn their payloads into CSV-ready records.
package steam

import (
	"context"
	"errors"
	"net/url"

	"github.com/Sternrassler/steam-harvester/pkg/client"
	"github.com/Sternrassler/steam-harvester/pkg/harvest"
)

// Default endpoints.
const (
	DefaultStoreURL    = "https://store.steampowered.com"
	DefaultAPIURL      = "https://api.steampowered.com"
	DefaultSteamSpyURL = "https://steamspy.com/api.php"
)

// Getter performs a GET request and decodes the JSON body into out.
// *client.Client implements it.
type Getter interface {
	GetJSON(ctx context.Context, rawURL string, query url.Values, out any) error
}

// Config holds the endpoints and query parameters of the Steam sources.
type Config struct {
	StoreURL    string
	APIURL      string
	SteamSpyURL string

	// Reviews query
	ReviewFilter   string
	ReviewLanguage string
	ReviewsPerPage int

	// Details query
	CountryCode     string
	DetailsLanguage string

	// SkipTags disables the SteamSpy tag lookup.
	SkipTags bool
}

// DefaultConfig returns the configuration used against the public Steam
// endpoints.
func DefaultConfig() Config {
	return Config{
		StoreURL:        DefaultStoreURL,
		APIURL:          DefaultAPIURL,
		SteamSpyURL:     DefaultSteamSpyURL,
		ReviewFilter:    "recent",
		ReviewLanguage:  "english",
		ReviewsPerPage:  100,
		CountryCode:     "it",
		DetailsLanguage: "en",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StoreURL == "" {
		c.StoreURL = def.StoreURL
	}
	if c.APIURL == "" {
		c.APIURL = def.APIURL
	}
	if c.SteamSpyURL == "" {
		c.SteamSpyURL = def.SteamSpyURL
	}
	if c.ReviewFilter == "" {
		c.ReviewFilter = def.ReviewFilter
	}
	if c.ReviewLanguage == "" {
		c.ReviewLanguage = def.ReviewLanguage
	}
	if c.ReviewsPerPage <= 0 {
		c.ReviewsPerPage = def.ReviewsPerPage
	}
	if c.CountryCode == "" {
		c.CountryCode = def.CountryCode
	}
	if c.DetailsLanguage == "" {
		c.DetailsLanguage = def.DetailsLanguage
	}
	return c
}

// fetchError maps a client error to the fetch failure class the engine
// acts on. Cancellation passes through unchanged.
func fetchError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, client.ErrDecode):
		return harvest.Malformed("decode "+what, err)
	case client.StatusOf(err) > 0:
		return harvest.Transient(what+" returned an error status", err)
	default:
		return harvest.Transient(what+" request failed", err)
	}
}
