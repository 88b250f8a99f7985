package rules

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

//go:embed datasets
var datasetFS embed.FS

// ErrDatasetNotFound is wrapped by errors for unknown datasets.
var ErrDatasetNotFound = errors.New("dataset not found")

var (
	datasetMu    sync.Mutex
	datasetCache = map[string][]string{}
)

// loadDataset returns the non-empty lines of datasets/<category>/<name>.txt.
// Loaded datasets are cached for the life of the process.
func loadDataset(category, name string) ([]string, error) {
	key := path.Join(category, name)

	datasetMu.Lock()
	defer datasetMu.Unlock()
	if lines, ok := datasetCache[key]; ok {
		return lines, nil
	}

	f, err := datasetFS.Open(path.Join("datasets", key+".txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, key)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", key, err)
	}
	datasetCache[key] = lines
	return lines, nil
}

// mustLoadUpperSet loads an embedded dataset as a set of upper-cased entries.
// The name and address datasets ship with the binary, so a failure here is a
// build defect.
func mustLoadUpperSet(category, name string) map[string]struct{} {
	lines, err := loadDataset(category, name)
	if err != nil {
		panic(err)
	}
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[strings.ToUpper(l)] = struct{}{}
	}
	return set
}

func upperAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToUpper(w)
	}
	return out
}
