package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/Sternrassler/steam-harvester/pkg/steam"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppList(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []harvest.Key
		wantErr bool
	}{
		{
			name:    "array",
			content: `[{"appid": 10, "name": "Counter-Strike"}, {"appid": 20, "name": "TFC"}]`,
			want:    []harvest.Key{"10", "20"},
		},
		{
			name:    "envelope",
			content: `{"applist": {"apps": [{"appid": 30, "name": ""}, {"appid": 5, "name": "x"}]}}`,
			want:    []harvest.Key{"30", "5"},
		},
		{
			name:    "bom",
			content: "\xEF\xBB\xBF[{\"appid\": 7}]",
			want:    []harvest.Key{"7"},
		},
		{name: "empty array", content: `[]`, want: []harvest.Key{}},
		{name: "not json", content: `appid,name`, wantErr: true},
		{name: "object without applist", content: `{"apps": []}`, wantErr: true},
		{name: "missing appid", content: `[{"name": "x"}]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadAppList(writeFile(t, "apps.json", tt.content))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrManifest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadAppList_Missing(t *testing.T) {
	_, err := LoadAppList(filepath.Join(t.TempDir(), "none.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifest))
}

func TestLoadCSV(t *testing.T) {
	content := "\xEF\xBB\xBFid,name,tags\n" +
		"10,Counter-Strike,FPS\n" +
		"20,,Action\n" +
		"30,Half-Life,\n" +
		",Nameless,RPG\n" +
		"40,\"Portal, Still Alive\",Puzzle\n"
	path := writeFile(t, "games.csv", content)

	keys, err := LoadCSV(path, "id", []string{"name", "tags"})
	require.NoError(t, err)
	assert.Equal(t, []harvest.Key{"10", "40"}, keys)

	keys, err = LoadCSV(path, "id", nil)
	require.NoError(t, err)
	assert.Equal(t, []harvest.Key{"10", "20", "30", "40"}, keys)

	_, err = LoadCSV(path, "id", []string{"price"})
	assert.True(t, errors.Is(err, ErrManifest))

	_, err = LoadCSV(path, "app_id", nil)
	assert.True(t, errors.Is(err, ErrManifest))
}

type fakeLister struct {
	apps []steam.App
	err  error
}

func (f fakeLister) FetchAppList(ctx context.Context) ([]steam.App, error) {
	return f.apps, f.err
}

func TestRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games", "steam_games.json")
	lister := fakeLister{apps: []steam.App{{AppID: 30, Name: "C"}, {AppID: 10, Name: "A"}, {AppID: 20, Name: "B"}}}

	n, err := Refresh(context.Background(), lister, path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `[
    {
        "appid": 10,
        "name": "A"
    },
    {
        "appid": 20,
        "name": "B"
    },
    {
        "appid": 30,
        "name": "C"
    }
]`, string(data))

	keys, err := LoadAppList(path)
	require.NoError(t, err)
	assert.Equal(t, []harvest.Key{"10", "20", "30"}, keys)
}

func TestRefresh_KeepsOldFileOnFailure(t *testing.T) {
	path := writeFile(t, "apps.json", `[{"appid": 1}]`)

	_, err := Refresh(context.Background(), fakeLister{err: errors.New("service unavailable")}, path, zerolog.Nop())
	require.Error(t, err)

	keys, err := LoadAppList(path)
	require.NoError(t, err)
	assert.Equal(t, []harvest.Key{"1"}, keys)
}
