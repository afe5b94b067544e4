package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/rs/zerolog"
)

const testOrigin = "http://localhost:3000"

// fakeNetwork serves handler for every host and counts the requests it sees.
type fakeNetwork struct {
	mutex   *sync.Mutex
	handler http.Handler
	calls   map[string]int
	offline bool
}

func newFakeNetwork(handler http.HandlerFunc) *fakeNetwork {
	return &fakeNetwork{
		mutex:   &sync.Mutex{},
		handler: handler,
		calls:   make(map[string]int),
	}
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	n.calls[req.URL.String()]++
	offline := n.offline
	n.mutex.Unlock()
	if offline {
		return nil, errors.New("network unreachable")
	}
	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) total() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = make(map[string]int)
}

// appNetwork serves the application and a CDN.
// Paths mentioned in missing answer 404.
func appNetwork(missing ...string) *fakeNetwork {
	return newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range missing {
			if r.URL.Path == m {
				http.NotFound(w, r)
				return
			}
		}
		switch {
		case r.URL.Host == "cdn.example.com" && r.URL.Path == "/shared.js":
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Write([]byte("shared"))
		case r.URL.Host != "localhost:3000":
			w.Write([]byte("cdn " + r.URL.Path))
		case r.URL.Path == "/unknown.js":
			http.NotFound(w, r)
		case r.URL.Path == "/moved":
			http.Redirect(w, r, "/index.html", http.StatusFound)
		default:
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(fmt.Sprintf("%s %s", r.Method, r.URL.Path)))
		}
	})
}

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func testOriginURL() url.URL {
	u, _ := url.Parse(testOrigin)
	return *u
}

func newTestWorker(t *testing.T, version string, manifest []string, storage cache.Storage, n *fakeNetwork) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		Version:   version,
		Origin:    testOriginURL(),
		Manifest:  manifest,
		Storage:   storage,
		Transport: n,
		Logger:    testLogger(),
		Metrics:   NewMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func installAndActivate(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
}

func fetch(t *testing.T, w *Worker, method, target string) (*http.Response, Action, error) {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	return w.Fetch(context.Background(), r)
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func generationKeys(t *testing.T, storage cache.Storage, version string) map[string]bool {
	t.Helper()
	gen, ok, err := storage.Get(context.Background(), version)
	if err != nil {
		t.Fatal(err)
	}
	keys := make(map[string]bool)
	if !ok {
		return keys
	}
	list, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range list {
		keys[k] = true
	}
	return keys
}

func TestNewWorkerValidatesConfig(t *testing.T) {
	if _, err := NewWorker(Config{Origin: testOriginURL(), Storage: cache.NewMemStorage()}); err == nil {
		t.Fatal("Expected error for missing version")
	}
	if _, err := NewWorker(Config{Version: "v1", Storage: cache.NewMemStorage()}); err == nil {
		t.Fatal("Expected error for missing origin")
	}
	if _, err := NewWorker(Config{Version: "v1", Origin: testOriginURL()}); err == nil {
		t.Fatal("Expected error for missing storage")
	}
}

func TestInstallSeedsEveryManifestResource(t *testing.T) {
	storage := cache.NewMemStorage()
	manifest := []string{"/", "/index.html", "/app.js", "https://cdn.example.com/lib.js"}
	w := newTestWorker(t, "v1", manifest, storage, appNetwork())

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
	keys := generationKeys(t, storage, "v1")
	for _, expected := range []string{
		"GET:http://localhost:3000/",
		"GET:http://localhost:3000/index.html",
		"GET:http://localhost:3000/app.js",
		"GET:https://cdn.example.com/lib.js",
	} {
		if !keys[expected] {
			t.Fatalf("Missing %s in %v", expected, keys)
		}
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/", "/index.html", "/icon-512.png"}, storage, appNetwork("/icon-512.png"))

	err := w.Install(context.Background())
	var seedErr *SeedError
	if !errors.As(err, &seedErr) {
		t.Fatalf("Expected seed error, got %v", err)
	}
	if seedErr.URL != "http://localhost:3000/icon-512.png" || seedErr.Status != http.StatusNotFound {
		t.Fatalf("Seed error is %+v", seedErr)
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
	if ok, _ := storage.Has(context.Background(), "v1"); ok {
		t.Fatal("Partial generation left in storage")
	}
}

func TestInstallFailsOffline(t *testing.T) {
	n := appNetwork()
	n.setOffline(true)
	w := newTestWorker(t, "v1", []string{"/"}, cache.NewMemStorage(), n)

	err := w.Install(context.Background())
	var seedErr *SeedError
	if !errors.As(err, &seedErr) || seedErr.Err == nil {
		t.Fatalf("Expected seed error wrapping the network error, got %v", err)
	}
}

func TestInstallFollowsRedirects(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/moved"}, storage, appNetwork())
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, action, err := fetch(t, w, "GET", "/moved")
	if err != nil || action != ServeCache {
		t.Fatalf("Action %s, error %v", action, err)
	}
	if body := readBody(t, res); body != "GET /index.html" {
		t.Fatalf("Body is %s", body)
	}
}

func TestInstallResumesSeededGeneration(t *testing.T) {
	storage := cache.NewMemStorage()
	manifest := []string{"/", "/index.html"}
	installAndActivate(t, newTestWorker(t, "v1", manifest, storage, appNetwork()))

	// a restarted process finds the generation already seeded
	n := appNetwork()
	n.setOffline(true)
	w := newTestWorker(t, "v1", manifest, storage, n)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if n.total() != 0 {
		t.Fatalf("Network called %d times", n.total())
	}
}

func TestActivateEvictsStaleGenerations(t *testing.T) {
	storage := cache.NewMemStorage()
	installAndActivate(t, newTestWorker(t, "v1", []string{"/"}, storage, appNetwork()))
	installAndActivate(t, newTestWorker(t, "v2", []string{"/"}, storage, appNetwork()))

	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Generations are %v", names)
	}
}

func TestFetchServesFromCacheWithoutNetwork(t *testing.T) {
	n := appNetwork()
	w := newTestWorker(t, "v1", []string{"/", "/index.html"}, cache.NewMemStorage(), n)
	installAndActivate(t, w)
	n.reset()

	res, action, err := fetch(t, w, "GET", "/")
	if err != nil {
		t.Fatal(err)
	}
	if action != ServeCache {
		t.Fatalf("Action is %s", action)
	}
	if body := readBody(t, res); body != "GET /" {
		t.Fatalf("Body is %s", body)
	}
	if res.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("Headers are %v", res.Header)
	}
	if n.total() != 0 {
		t.Fatalf("Network called %d times", n.total())
	}
}

func TestFetchWritesThrough(t *testing.T) {
	n := appNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/"}, storage, n)
	installAndActivate(t, w)
	n.reset()

	res, action, err := fetch(t, w, "GET", "/app.js")
	if err != nil || action != ServeNetworkAndCache {
		t.Fatalf("Action %s, error %v", action, err)
	}
	if body := readBody(t, res); body != "GET /app.js" {
		t.Fatalf("Body is %s", body)
	}
	w.Wait()

	res, action, err = fetch(t, w, "GET", "/app.js")
	if err != nil || action != ServeCache {
		t.Fatalf("Action %s, error %v", action, err)
	}
	if body := readBody(t, res); body != "GET /app.js" {
		t.Fatalf("Body is %s", body)
	}
	if n.total() != 1 {
		t.Fatalf("Network called %d times", n.total())
	}
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/"}, storage, appNetwork())
	installAndActivate(t, w)

	res, action, err := fetch(t, w, "GET", "/unknown.js")
	if err != nil {
		t.Fatal(err)
	}
	if action != ServeNetwork || res.StatusCode != http.StatusNotFound {
		t.Fatalf("Action %s, status %d", action, res.StatusCode)
	}
	w.Wait()
	if generationKeys(t, storage, "v1")["GET:http://localhost:3000/unknown.js"] {
		t.Fatal("404 response was cached")
	}
}

func TestFetchDoesNotCacheRedirects(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/"}, storage, appNetwork())
	installAndActivate(t, w)

	res, action, err := fetch(t, w, "GET", "/moved")
	if err != nil {
		t.Fatal(err)
	}
	if action != ServeNetwork || res.StatusCode != http.StatusFound {
		t.Fatalf("Action %s, status %d", action, res.StatusCode)
	}
}

func TestFetchDoesNotCacheCrossOrigin(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/"}, storage, appNetwork())
	installAndActivate(t, w)

	for _, target := range []string{"https://cdn.example.com/lib.js", "https://cdn.example.com/shared.js"} {
		res, action, err := fetch(t, w, "GET", target)
		if err != nil {
			t.Fatal(err)
		}
		if action != ServeNetwork || res.StatusCode != http.StatusOK {
			t.Fatalf("%s: action %s, status %d", target, action, res.StatusCode)
		}
	}
	w.Wait()
	keys := generationKeys(t, storage, "v1")
	if len(keys) != 1 {
		t.Fatalf("Cross-origin responses cached: %v", keys)
	}
}

func TestFetchDoesNotCachePost(t *testing.T) {
	n := appNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{"/"}, storage, n)
	installAndActivate(t, w)
	n.reset()

	// a cached GET does not answer a POST to the same URL
	res, action, err := fetch(t, w, "POST", "/")
	if err != nil || action != ServeNetwork {
		t.Fatalf("Action %s, error %v", action, err)
	}
	if body := readBody(t, res); body != "POST /" {
		t.Fatalf("Body is %s", body)
	}
	w.Wait()
	if generationKeys(t, storage, "v1")["POST:http://localhost:3000/"] {
		t.Fatal("POST response was cached")
	}
}

func TestFetchServesFallbackOffline(t *testing.T) {
	n := appNetwork()
	w := newTestWorker(t, "v1", []string{"/", "/index.html"}, cache.NewMemStorage(), n)
	installAndActivate(t, w)
	n.setOffline(true)

	res, action, err := fetch(t, w, "GET", "/schedule?week=3")
	if err != nil {
		t.Fatal(err)
	}
	if action != ServeFallback {
		t.Fatalf("Action is %s", action)
	}
	if body := readBody(t, res); body != "GET /" {
		t.Fatalf("Body is %s", body)
	}
}

func TestFetchOfflineWithoutFallback(t *testing.T) {
	n := appNetwork()
	w := newTestWorker(t, "v1", []string{"/index.html"}, cache.NewMemStorage(), n)
	installAndActivate(t, w)
	n.setOffline(true)

	_, action, err := fetch(t, w, "GET", "/app.js")
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Expected ErrOffline, got %v", err)
	}
	if action != ServeFallback {
		t.Fatalf("Action is %s", action)
	}
}

type failingStorage struct {
	*cache.MemStorage
}

type failingGeneration struct {
	cache.Generation
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.MemStorage.Open(ctx, name)
	return failingGeneration{gen}, err
}

func (g failingGeneration) Put(ctx context.Context, key string, bytes []byte) error {
	return errors.New("quota exceeded")
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	storage := failingStorage{cache.NewMemStorage()}
	metrics := NewMetrics()
	w, err := NewWorker(Config{
		Version:   "v1",
		Origin:    testOriginURL(),
		Manifest:  []string{},
		Storage:   storage,
		Transport: appNetwork(),
		Logger:    testLogger(),
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	installAndActivate(t, w)

	res, action, err := fetch(t, w, "GET", "/app.js")
	if err != nil || action != ServeNetworkAndCache {
		t.Fatalf("Action %s, error %v", action, err)
	}
	if body := readBody(t, res); body != "GET /app.js" {
		t.Fatalf("Body is %s", body)
	}
	w.Wait()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "offline_cache_cache_write_failures_total 1") {
		t.Fatalf("Write failure not counted:\n%s", rec.Body.String())
	}
}

func TestCorruptEntryIsReplaced(t *testing.T) {
	n := appNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, "v1", []string{}, storage, n)
	installAndActivate(t, w)
	gen, _ := storage.Open(context.Background(), "v1")
	gen.Put(context.Background(), "GET:http://localhost:3000/app.js", []byte("garbage"))

	res, action, err := fetch(t, w, "GET", "/app.js")
	if err != nil || action != ServeNetworkAndCache {
		t.Fatalf("Action %s, error %v", action, err)
	}
	readBody(t, res)
	w.Wait()
	if _, action, _ = fetch(t, w, "GET", "/app.js"); action != ServeCache {
		t.Fatalf("Action is %s", action)
	}
}

// undeletableStorage hands out generations whose entries cannot be deleted.
type undeletableStorage struct {
	*cache.MemStorage
}

type undeletableGeneration struct {
	cache.Generation
}

func (s undeletableStorage) Get(ctx context.Context, name string) (cache.Generation, bool, error) {
	gen, ok, err := s.MemStorage.Get(ctx, name)
	if !ok || err != nil {
		return gen, ok, err
	}
	return undeletableGeneration{gen}, true, nil
}

func (g undeletableGeneration) Delete(ctx context.Context, key string) (bool, error) {
	return false, errors.New("read-only")
}

func TestFailedEvictionIsLogged(t *testing.T) {
	var out strings.Builder
	logger := zerolog.New(zerolog.SyncWriter(&out)).Level(zerolog.WarnLevel)
	storage := undeletableStorage{cache.NewMemStorage()}
	w, err := NewWorker(Config{
		Version:   "v1",
		Origin:    testOriginURL(),
		Manifest:  []string{},
		Storage:   storage,
		Transport: appNetwork(),
		Logger:    &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	installAndActivate(t, w)
	gen, _ := storage.Open(context.Background(), "v1")
	gen.Put(context.Background(), "GET:http://localhost:3000/app.js", []byte("garbage"))

	res, _, err := fetch(t, w, "GET", "/app.js")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, res)
	w.Wait()
	if !strings.Contains(out.String(), "Could not remove corrupt cache entry") || !strings.Contains(out.String(), "read-only") {
		t.Fatalf("Eviction failure not logged:\n%s", out.String())
	}
}

func TestFetchWaitsForActivation(t *testing.T) {
	w := newTestWorker(t, "v1", []string{"/"}, cache.NewMemStorage(), appNetwork())
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	activated, ok := w.beginActivation()
	if !ok {
		t.Fatal("Could not begin activation")
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		w.activate(context.Background(), activated)
	}()

	if _, _, err := fetch(t, w, "GET", "/"); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateActive {
		t.Fatalf("Fetch returned while %s", w.State())
	}
}

func TestFetchWhileActivatingHonorsContext(t *testing.T) {
	w := newTestWorker(t, "v1", []string{"/"}, cache.NewMemStorage(), appNetwork())
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.beginActivation(); !ok {
		t.Fatal("Could not begin activation")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := w.Fetch(ctx, httptest.NewRequest("GET", "/", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestRedundantWorkerDoesNotRecreateGeneration(t *testing.T) {
	storage := cache.NewMemStorage()
	old := newTestWorker(t, "v1", []string{}, storage, appNetwork())
	installAndActivate(t, old)
	installAndActivate(t, newTestWorker(t, "v2", []string{}, storage, appNetwork()))
	old.markRedundant()

	res, _, err := fetch(t, old, "GET", "/app.js")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, res)
	old.Wait()
	if ok, _ := storage.Has(context.Background(), "v1"); ok {
		t.Fatal("Evicted generation was recreated")
	}
}
