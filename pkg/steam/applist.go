package steam

import (
	"context"
	"fmt"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/rs/zerolog"
)

// App is one entry of the Steam app list.
type App struct {
	AppID int    `json:"appid"`
	Name  string `json:"name"`
}

// Key returns the app id as a harvest key.
func (a App) Key() harvest.Key {
	return harvest.Key(fmt.Sprint(a.AppID))
}

// AppListResponse is the GetAppList envelope.
type AppListResponse struct {
	AppList *struct {
		Apps []App `json:"apps"`
	} `json:"applist"`
}

// AppListSource fetches the full app catalog from the Web API.
type AppListSource struct {
	getter Getter
	config Config
	logger zerolog.Logger
}

// NewAppListSource creates an app list source.
func NewAppListSource(getter Getter, config Config, logger zerolog.Logger) *AppListSource {
	return &AppListSource{
		getter: getter,
		config: config.withDefaults(),
		logger: logger,
	}
}

// FetchAppList returns every app the Web API lists, in server order.
func (s *AppListSource) FetchAppList(ctx context.Context) ([]App, error) {
	var resp AppListResponse
	if err := s.getter.GetJSON(ctx, s.config.APIURL+"/ISteamApps/GetAppList/v2/", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch app list: %w", err)
	}
	if resp.AppList == nil {
		return nil, fmt.Errorf("fetch app list: response has no applist")
	}

	s.logger.Info().Int("apps", len(resp.AppList.Apps)).Msg("App list fetched")
	return resp.AppList.Apps, nil
}
