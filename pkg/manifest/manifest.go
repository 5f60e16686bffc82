// Package manifest loads the candidate keys of a run and refreshes the Steam
// app list they are drawn from.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/Sternrassler/steam-harvester/pkg/steam"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ErrManifest is returned when the candidate list is missing or unreadable.
// A run cannot start without it.
var ErrManifest = errors.New("manifest unusable")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// AppLister fetches the full app catalog. *steam.AppListSource implements it.
type AppLister interface {
	FetchAppList(ctx context.Context) ([]steam.App, error)
}

// LoadAppList reads an app list file and returns the app ids in file order.
// The file is either a JSON array of apps or the raw GetAppList response.
func LoadAppList(path string) ([]harvest.Key, error) {
	data, err := readFile(path, "run the applist job first or set applist.path")
	if err != nil {
		return nil, err
	}

	var apps []steam.App
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope steam.AppListResponse
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, invalid(path, err)
		}
		if envelope.AppList == nil {
			return nil, invalid(path, errors.New("object has no applist member"))
		}
		apps = envelope.AppList.Apps
	} else if err := json.Unmarshal(trimmed, &apps); err != nil {
		return nil, invalid(path, err)
	}

	keys := make([]harvest.Key, 0, len(apps))
	for i, app := range apps {
		if app.AppID <= 0 {
			return nil, invalid(path, errors.Newf("entry %d has no valid appid", i))
		}
		keys = append(keys, app.Key())
	}
	return keys, nil
}

// LoadCSV returns the key column of every row whose required columns are
// all non-empty, in file order.
func LoadCSV(path, keyColumn string, required []string) ([]harvest.Key, error) {
	data, err := readFile(path, "run the games job first or set reviews.manifest")
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, invalid(path, errors.Wrap(err, "read header"))
	}
	keyIndex := slices.Index(header, keyColumn)
	if keyIndex < 0 {
		return nil, invalid(path, errors.Newf("no %q column", keyColumn))
	}
	requiredIndex := make([]int, 0, len(required))
	for _, col := range required {
		i := slices.Index(header, col)
		if i < 0 {
			return nil, invalid(path, errors.Newf("no %q column", col))
		}
		requiredIndex = append(requiredIndex, i)
	}

	var keys []harvest.Key
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid(path, err)
		}
		if !complete(row, keyIndex, requiredIndex) {
			continue
		}
		keys = append(keys, harvest.Key(row[keyIndex]))
	}
	return keys, nil
}

func complete(row []string, keyIndex int, required []int) bool {
	if keyIndex >= len(row) || row[keyIndex] == "" {
		return false
	}
	for _, i := range required {
		if i >= len(row) || row[i] == "" {
			return false
		}
	}
	return true
}

// Refresh fetches the app list, sorts it by app id and replaces the file at
// path. The previous file stays in place if anything fails.
func Refresh(ctx context.Context, lister AppLister, path string, logger zerolog.Logger) (int, error) {
	apps, err := lister.FetchAppList(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(apps, func(i, j int) bool { return apps[i].AppID < apps[j].AppID })

	data, err := json.MarshalIndent(apps, "", "    ")
	if err != nil {
		return 0, errors.Wrap(err, "encode app list")
	}

	if err := writeAtomic(path, data); err != nil {
		return 0, err
	}

	logger.Info().
		Str("path", path).
		Int("apps", len(apps)).
		Msg("App list written")
	return len(apps), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

func readFile(path, hint string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = errors.Wrapf(ErrManifest, "read %s: %v", path, err)
		return nil, errors.WithHint(err, hint)
	}
	return bytes.TrimPrefix(data, utf8BOM), nil
}

func invalid(path string, cause error) error {
	err := errors.Wrapf(ErrManifest, "%s", path)
	err = errors.WithDetail(err, cause.Error())
	return errors.WithHint(err, "regenerate the file or point the job at another one")
}
