package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sjsage522/carlistingworker/config"
	"sjsage522/carlistingworker/internal/crawler"
	errs "sjsage522/carlistingworker/pkg/errors"
	"sjsage522/carlistingworker/services/publisher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockPublisher implements the publisher.Publisher interface for testing
type MockPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	fail     bool
	trimmed  int
}

// Ensure MockPublisher implements publisher.Publisher
var _ publisher.Publisher = (*MockPublisher)(nil)

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

func (m *MockPublisher) Publish(key string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("publish failed")
	}

	// Copy the message to ensure thread safety
	messageCopy := make([]byte, len(message))
	copy(messageCopy, message)

	m.messages[key] = append(m.messages[key], messageCopy)
	return nil
}

func (m *MockPublisher) TrimStreams() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimmed++
	return nil
}

func (m *MockPublisher) Close() error {
	return nil
}

// MockStore records written listings
type MockStore struct {
	written []crawler.Listing
	err     error
}

func (m *MockStore) Write(ctx context.Context, listings []crawler.Listing) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, listings...)
	return nil
}

// newSite serves two index pages of listings and their detail pages
func newSite(t *testing.T) (*httptest.Server, *int) {
	var mu sync.Mutex
	indexHits := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/coches-ocasion", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		indexHits++
		mu.Unlock()

		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch page {
		case "", "1":
			fmt.Fprint(w, `<html><body>
				<a href="/coche/1"><h2 itemprop="name">SEAT Ibiza</h2><p class="precio">11.990 €</p><ul><li>2020</li></ul></a>
				<a href="/coche/2"><h2 itemprop="name">Renault Clio</h2><p class="precio">9.500 €</p><p class="precio financiado">8.900 €</p></a>
				<a href="/coches-ocasion?page=2">2</a>
			</body></html>`)
		case "2":
			fmt.Fprint(w, `<html><body>
				<a href="/coche/3"><h2 itemprop="name">Dacia Sandero</h2><p class="precio">8.000 €</p></a>
			</body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/coche/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path == "/coche/3" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `<html><body><ul class="datos-basicos-ficha"><li><span>Ref</span> %s</li></ul></body></html>`, r.URL.Path)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &indexHits
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	return &config.Config{
		BaseURL:         baseURL,
		StartPath:       "/coches-ocasion",
		RequestTimeout:  5 * time.Second,
		MaxPages:        10,
		BlockSize:       2,
		EnrichWorkers:   2,
		OutputDir:       t.TempDir(),
		RawFile:         "datos.json",
		MergedFile:      "anuncios_unificados.csv",
		DuplicatePolicy: config.DuplicatePolicyDedup,
		RateLimitBlock:  time.Minute,
		Environment:     "test",
	}
}

func readCSV(t *testing.T, path string) [][]string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestRunnerEndToEnd(t *testing.T) {
	server, _ := newSite(t)
	cfg := testConfig(t, server.URL)
	store := &MockStore{}
	pub := NewMockPublisher()

	runner, err := NewRunner(cfg, nil, store, pub)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, summary.Crawl)
	assert.Len(t, summary.Crawl.Listings, 3)
	assert.Equal(t, crawler.StopNoNextPage, summary.Crawl.StopReason)
	assert.False(t, summary.ReusedRaw)

	assert.Equal(t, 2, summary.Enrich.Succeeded)
	require.Len(t, summary.Enrich.Failures, 1)
	assert.Equal(t, 2, summary.Enrich.Failures[0].Index)
	assert.Equal(t, []int{1, 2}, summary.Enrich.BlocksWritten)

	assert.Equal(t, 2, summary.Merge.Blocks)
	assert.Equal(t, 3, summary.Merge.Written)
	assert.Empty(t, summary.Merge.Duplicates)

	// Files on disk
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "datos.json"))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "bloque_1.json"))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "bloque_2.json"))

	records := readCSV(t, filepath.Join(cfg.OutputDir, "anuncios_unificados.csv"))
	require.Len(t, records, 4)
	assert.Equal(t, []string{"titulo", "url", "precio_contado", "precio_financiado", "tags", "detalles_ficha"}, records[0])
	assert.Equal(t, []string{"SEAT Ibiza", server.URL + "/coche/1", "11.990 €", "", `["2020"]`, `["Ref/coche/1"]`}, records[1])
	assert.Equal(t, "8.900 €", records[2][3])
	assert.Equal(t, "[]", records[3][5])

	// Sinks
	assert.Len(t, store.written, 3)
	assert.Equal(t, 3, summary.Stored)
	assert.Equal(t, 3, summary.Published)
	assert.Equal(t, 1, pub.trimmed)
	require.Len(t, pub.messages["listing"], 3)

	var published crawler.Listing
	require.NoError(t, json.Unmarshal(pub.messages["listing"][0], &published))
	assert.Equal(t, "SEAT Ibiza", published.Title)
	assert.Equal(t, []string{"Ref/coche/1"}, published.DetailFields)
}

func TestRunnerReusesRawDump(t *testing.T) {
	server, indexHits := newSite(t)
	cfg := testConfig(t, server.URL)
	cfg.ReuseRaw = true

	raw := []crawler.Listing{{Title: "Guardado", URL: server.URL + "/coche/9", Tags: []string{}}}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "datos.json"), data, 0644))

	runner, err := NewRunner(cfg, nil, nil, nil)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.ReusedRaw)
	assert.Nil(t, summary.Crawl)
	assert.Equal(t, 0, *indexHits)
	assert.Equal(t, 1, summary.Merge.Written)
	assert.Equal(t, 0, summary.Published)
}

func TestRunnerDuplicatePolicyFail(t *testing.T) {
	server, _ := newSite(t)
	cfg := testConfig(t, server.URL)
	cfg.DuplicatePolicy = config.DuplicatePolicyFail
	cfg.ReuseRaw = true

	// A raw dump assembled from two crawls repeats a URL
	raw := []crawler.Listing{
		{Title: "SEAT Ibiza", URL: server.URL + "/coche/1", Tags: []string{}},
		{Title: "Renault Clio", URL: server.URL + "/coche/2", Tags: []string{}},
		{Title: "SEAT Ibiza", URL: server.URL + "/coche/1", Tags: []string{}},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "datos.json"), data, 0644))

	pub := NewMockPublisher()
	runner, err := NewRunner(cfg, nil, nil, pub)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrorTypeValidation))
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "anuncios_unificados.csv"))
	assert.Nil(t, summary.Merge)
	assert.Empty(t, pub.messages)
}

// newSingleListingSite serves one index page with a single listing
func newSingleListingSite(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/coches-ocasion", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>
			<a href="/coche/new"><h2 itemprop="name">Toyota Yaris</h2><p class="precio">14.200 €</p></a>
		</body></html>`)
	})
	mux.HandleFunc("/coche/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><ul class="datos-basicos-ficha"><li>Híbrido</li></ul></body></html>`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRunnerFreshCrawlDiscardsPreviousBlocks(t *testing.T) {
	first, _ := newSite(t)
	cfg := testConfig(t, first.URL)

	runner, err := NewRunner(cfg, nil, nil, nil)
	require.NoError(t, err)
	_, err = runner.Run(context.Background())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(cfg.OutputDir, "bloque_2.json"))

	// A second crawl of a different collection into the same directory
	second := newSingleListingSite(t)
	cfg.BaseURL = second.URL
	runner, err = NewRunner(cfg, nil, nil, nil)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, summary.Crawl.Listings, 1)
	assert.Empty(t, summary.Enrich.BlocksResumed)
	assert.Equal(t, []int{1}, summary.Enrich.BlocksWritten)
	assert.Equal(t, 1, summary.Merge.Blocks)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "bloque_2.json"))

	records := readCSV(t, filepath.Join(cfg.OutputDir, "anuncios_unificados.csv"))
	require.Len(t, records, 2)
	assert.Equal(t, []string{"Toyota Yaris", second.URL + "/coche/new", "14.200 €", "", "[]", `["Híbrido"]`}, records[1])
}

func TestRunnerResumesBlocksOfReusedRawDump(t *testing.T) {
	server, indexHits := newSite(t)
	cfg := testConfig(t, server.URL)

	runner, err := NewRunner(cfg, nil, nil, nil)
	require.NoError(t, err)
	_, err = runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, *indexHits)

	// Simulate a run interrupted after block 1
	require.NoError(t, os.Remove(filepath.Join(cfg.OutputDir, "bloque_2.json")))
	require.NoError(t, os.Remove(filepath.Join(cfg.OutputDir, "anuncios_unificados.csv")))

	cfg.ReuseRaw = true
	runner, err = NewRunner(cfg, nil, nil, nil)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.ReusedRaw)
	assert.Equal(t, 2, *indexHits)
	assert.Equal(t, []int{1}, summary.Enrich.BlocksResumed)
	assert.Equal(t, []int{2}, summary.Enrich.BlocksWritten)
	assert.Equal(t, 3, summary.Merge.Written)

	records := readCSV(t, filepath.Join(cfg.OutputDir, "anuncios_unificados.csv"))
	require.Len(t, records, 4)
	assert.Equal(t, `["Ref/coche/1"]`, records[1][5])
	assert.Equal(t, "[]", records[3][5])
}

func TestRunnerStoreFailure(t *testing.T) {
	server, _ := newSite(t)
	cfg := testConfig(t, server.URL)
	store := &MockStore{err: errs.NewStore("store", "insert batch", errors.New("connection refused"))}
	pub := NewMockPublisher()

	runner, err := NewRunner(cfg, nil, store, pub)
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrorTypeStore))
	assert.Empty(t, pub.messages)
}

func TestRunnerPublishFailuresAreCounted(t *testing.T) {
	server, _ := newSite(t)
	cfg := testConfig(t, server.URL)
	pub := NewMockPublisher()
	pub.fail = true

	runner, err := NewRunner(cfg, nil, nil, pub)
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Published)
	assert.Equal(t, 3, summary.PublishFailures)
	assert.Equal(t, 1, pub.trimmed)
}
