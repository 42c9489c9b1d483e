package crawler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockCacheService implements a simple in-memory cache for testing
type MockCacheService struct {
	mu    sync.Mutex
	cache map[string][]byte
}

func NewMockCacheService() *MockCacheService {
	return &MockCacheService{
		cache: make(map[string][]byte),
	}
}

func (m *MockCacheService) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.cache[key]; ok {
		return val, nil
	}
	return nil, &mockError{message: "cache miss"}
}

func (m *MockCacheService) Set(key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = value
	return nil
}

func (m *MockCacheService) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return nil
}

type mockError struct {
	message string
}

func (e *mockError) Error() string {
	return e.message
}

// MockCheckpointStore keeps blocks in memory
type MockCheckpointStore struct {
	mu       sync.Mutex
	blocks   map[int][]Listing
	writeErr error
}

func NewMockCheckpointStore() *MockCheckpointStore {
	return &MockCheckpointStore{blocks: make(map[int][]Listing)}
}

func (m *MockCheckpointStore) HasBlock(k int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocks[k]
	return ok, nil
}

func (m *MockCheckpointStore) WriteBlock(k int, listings []Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.blocks[k] = append([]Listing(nil), listings...)
	return nil
}

// testCar is one summary card on a fake index page
type testCar struct {
	Path     string
	Title    string
	Price    string
	Financed string
	Tags     []string
}

func (c testCar) html() string {
	var b strings.Builder
	fmt.Fprintf(&b, `<a href="%s" class="anuncio"><div class="imagen"><img src="/img.jpg"></div>`, c.Path)
	fmt.Fprintf(&b, `<h2 itemprop="name">  %s  </h2>`, c.Title)
	if c.Price != "" {
		fmt.Fprintf(&b, `<p class="precio">%s</p>`, c.Price)
	}
	if c.Financed != "" {
		fmt.Fprintf(&b, `<p class="precio financiado">%s</p>`, c.Financed)
	}
	if c.Tags != nil {
		b.WriteString("<ul>")
		for _, tag := range c.Tags {
			fmt.Fprintf(&b, "<li> %s </li>", tag)
		}
		b.WriteString("</ul>")
	}
	b.WriteString("</a>")
	return b.String()
}

// indexPage renders a fake index page. nextHref is omitted when empty.
func indexPage(cars []testCar, nextHref string) string {
	var b strings.Builder
	b.WriteString(`<html><body><nav><a href="/">Inicio</a><a href="/vender-coche">Vender</a></nav><div class="listado">`)
	for _, c := range cars {
		b.WriteString(c.html())
	}
	b.WriteString(`</div><div class="paginacion">`)
	if nextHref != "" {
		fmt.Fprintf(&b, `<a href="%s">Siguiente</a>`, nextHref)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func detailPage(fields []string) string {
	var b strings.Builder
	b.WriteString(`<html><body><ul class="otra"><li>ignored</li></ul><ul class="datos-basicos-ficha">`)
	for _, f := range fields {
		fmt.Fprintf(&b, "<li>%s</li>", f)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

// fakeSite serves index pages under /coches-ocasion?page=N and arbitrary
// detail pages, counting requests per path
type fakeSite struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	index   func(page int) (int, string)
	details map[string]func() (int, string)
	hits    map[string]int
}

func newFakeSite(t *testing.T) *fakeSite {
	site := &fakeSite{
		t:       t,
		details: make(map[string]func() (int, string)),
		hits:    make(map[string]int),
	}
	site.server = httptest.NewServer(http.HandlerFunc(site.handle))
	t.Cleanup(site.server.Close)
	return site
}

func (s *fakeSite) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	s.hits[key]++
	index := s.index
	detail := s.details[r.URL.Path]
	s.mu.Unlock()

	var status int
	var body string
	switch {
	case r.URL.Path == "/coches-ocasion" && index != nil:
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			page, _ = strconv.Atoi(p)
		}
		status, body = index(page)
	case detail != nil:
		status, body = detail()
	default:
		status, body = http.StatusNotFound, "not found"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (s *fakeSite) setIndex(fn func(page int) (int, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = fn
}

func (s *fakeSite) setDetail(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[path] = func() (int, string) { return status, body }
}

func (s *fakeSite) hitCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *fakeSite) config() CrawlerConfig {
	return CrawlerConfig{
		BaseURL:   s.server.URL,
		StartPath: "/coches-ocasion",
		MaxPages:  100,
		BlockSize: 1000,
		Workers:   1,
		CacheKey:  "autocasion_rate_limited",
		BlockTime: 500 * time.Second,
		Selectors: DefaultSelectors(),
	}
}
