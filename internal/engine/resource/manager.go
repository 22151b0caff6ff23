// Package resource preloads and caches the media assets a questionnaire
// references. The full preload phase must succeed before playback starts:
// a partially loaded media set in a timed experiment invalidates the data,
// so any failure aborts the run before it begins.
package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/model"
)

// PreloadError is the typed fail-fast error for the preload phase.
type PreloadError struct {
	URL string
	Err error
}

func (e *PreloadError) Error() string {
	return fmt.Sprintf("preload %s: %v", e.URL, e.Err)
}

func (e *PreloadError) Unwrap() error { return e.Err }

// Asset is one fully loaded media resource.
type Asset struct {
	URL         string
	Kind        model.MediaKind
	ContentType string
	Data        []byte
	LoadedAt    time.Time
}

// ProgressFunc receives preload progress (loaded so far, total).
type ProgressFunc func(done, total int)

// Manager owns the resource cache. It is the cache's sole mutator and all
// loading happens in PreloadAll, before the first present call; lookups
// during playback are read-only.
type Manager struct {
	log     zerolog.Logger
	client  *http.Client
	baseDir string // Root for non-URL (local upload) references

	mu     sync.RWMutex
	assets map[string]*Asset
}

// New creates a Manager. baseDir resolves relative media paths (uploaded
// files); http(s) URLs are fetched over the network.
func New(baseDir string, log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "resource_manager").Logger(),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseDir: baseDir,
		assets:  make(map[string]*Asset),
	}
}

// Scan collects every media reference in a definition, deduplicated, in
// first-appearance order.
func Scan(def *model.Definition) []model.MediaRef {
	var out []model.MediaRef
	seen := make(map[string]struct{})
	for i := range def.Questions {
		for _, ref := range def.Questions[i].Media {
			if _, dup := seen[ref.URL]; dup {
				continue
			}
			seen[ref.URL] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}

// PreloadAll loads every referenced asset, reporting progress. The first
// failure aborts the whole phase with a PreloadError; nothing is retried.
func (m *Manager) PreloadAll(ctx context.Context, refs []model.MediaRef, onProgress ProgressFunc) error {
	total := len(refs)
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return &PreloadError{URL: ref.URL, Err: err}
		}
		if err := m.load(ctx, ref); err != nil {
			m.log.Error().Str("url", ref.URL).Err(err).Msg("Preload failed")
			return &PreloadError{URL: ref.URL, Err: err}
		}
		if onProgress != nil {
			onProgress(i+1, total)
		}
	}
	m.log.Info().Int("assets", total).Msg("Preload complete")
	return nil
}

// Get returns a preloaded asset. It never triggers a load.
func (m *Manager) Get(url string) (*Asset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[url]
	return a, ok
}

// Len reports how many assets are cached.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assets)
}

func (m *Manager) load(ctx context.Context, ref model.MediaRef) error {
	m.mu.RLock()
	_, cached := m.assets[ref.URL]
	m.mu.RUnlock()
	if cached {
		return nil
	}

	var data []byte
	var contentType string
	var err error

	if strings.HasPrefix(ref.URL, "http://") || strings.HasPrefix(ref.URL, "https://") {
		data, contentType, err = m.fetch(ctx, ref.URL)
	} else {
		data, err = m.readLocal(ref.URL)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.assets[ref.URL] = &Asset{
		URL:         ref.URL,
		Kind:        ref.Kind,
		ContentType: contentType,
		Data:        data,
		LoadedAt:    time.Now(),
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (m *Manager) readLocal(ref string) ([]byte, error) {
	// Confine local references to baseDir; a definition must not be able
	// to read arbitrary files.
	clean := filepath.Clean("/" + strings.TrimPrefix(ref, "/uploads"))
	full := filepath.Join(m.baseDir, clean)
	if !strings.HasPrefix(full, filepath.Clean(m.baseDir)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("path escapes media root: %s", ref)
	}
	return os.ReadFile(full)
}
