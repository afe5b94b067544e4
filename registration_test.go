package offlinecache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
)

func newTestRegistration(storage cache.Storage, n *fakeNetwork) *Registration {
	return NewRegistration(RegistrationConfig{
		Origin:      testOriginURL(),
		Storage:     storage,
		Transport:   n,
		Logger:      testLogger(),
		IdleTimeout: time.Minute,
	})
}

func TestRegisterActivatesFirstWorker(t *testing.T) {
	storage := cache.NewMemStorage()
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	w := newTestWorker(t, "v1", []string{"/"}, storage, n)

	if err := reg.Register(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != w || w.State() != StateActive {
		t.Fatalf("Worker is %s", w.State())
	}
}

func TestRegisterFailureKeepsActiveWorker(t *testing.T) {
	storage := cache.NewMemStorage()
	reg := newTestRegistration(storage, appNetwork())
	v1 := newTestWorker(t, "v1", []string{"/"}, storage, appNetwork())
	if err := reg.Register(context.Background(), v1); err != nil {
		t.Fatal(err)
	}

	v2 := newTestWorker(t, "v2", []string{"/", "/gone.png"}, storage, appNetwork("/gone.png"))
	err := reg.Register(context.Background(), v2)
	var seedErr *SeedError
	if !errors.As(err, &seedErr) {
		t.Fatalf("Expected seed error, got %v", err)
	}
	if reg.Active() != v1 || v1.State() != StateActive {
		t.Fatal("Failed install replaced the active worker")
	}
	if ok, _ := storage.Has(context.Background(), "v1"); !ok {
		t.Fatal("Active generation was evicted")
	}
}

func TestNewVersionWaitsForClients(t *testing.T) {
	storage := cache.NewMemStorage()
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	v1 := newTestWorker(t, "v1", []string{"/"}, storage, n)
	if err := reg.Register(context.Background(), v1); err != nil {
		t.Fatal(err)
	}
	if reg.controller("page-1") != v1 {
		t.Fatal("New client not controlled by active worker")
	}

	v2 := newTestWorker(t, "v2", []string{"/"}, storage, n)
	if err := reg.Register(context.Background(), v2); err != nil {
		t.Fatal(err)
	}
	if v2.State() != StateInstalled || reg.Active() != v1 {
		t.Fatalf("v2 is %s while v1 controls a client", v2.State())
	}
	// both versions coexist until activation
	names, _ := storage.Keys(context.Background())
	if len(names) != 2 {
		t.Fatalf("Generations are %v", names)
	}
	status, err := reg.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Waiting == nil || status.Waiting.Version != "v2" || status.Active.Version != "v1" {
		t.Fatalf("Status is %+v", status)
	}

	if err := reg.Message(context.Background(), Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != v2 || v2.State() != StateActive {
		t.Fatalf("v2 is %s", v2.State())
	}
	if v1.State() != StateRedundant {
		t.Fatalf("v1 is %s", v1.State())
	}
	if reg.controller("page-1") != v2 {
		t.Fatal("Client not claimed by new worker")
	}
	names, _ = storage.Keys(context.Background())
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Generations are %v", names)
	}
}

func TestSkipWaitingConfig(t *testing.T) {
	storage := cache.NewMemStorage()
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	if err := reg.Register(context.Background(), newTestWorker(t, "v1", []string{"/"}, storage, n)); err != nil {
		t.Fatal(err)
	}
	reg.controller("page-1")

	v2, err := NewWorker(Config{
		Version:     "v2",
		Origin:      testOriginURL(),
		Manifest:    []string{"/"},
		Storage:     storage,
		Transport:   n,
		Logger:      testLogger(),
		SkipWaiting: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(context.Background(), v2); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != v2 {
		t.Fatal("Skip-waiting worker not activated")
	}
}

func TestSweepActivatesWhenClientsClose(t *testing.T) {
	storage := cache.NewMemStorage()
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	var mutex sync.Mutex
	now := time.Now()
	reg.now = func() time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		return now
	}
	if err := reg.Register(context.Background(), newTestWorker(t, "v1", []string{"/"}, storage, n)); err != nil {
		t.Fatal(err)
	}
	reg.controller("page-1")
	v2 := newTestWorker(t, "v2", []string{"/"}, storage, n)
	if err := reg.Register(context.Background(), v2); err != nil {
		t.Fatal(err)
	}

	if err := reg.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Active() == v2 {
		t.Fatal("Activated while client still open")
	}

	mutex.Lock()
	now = now.Add(2 * time.Minute)
	mutex.Unlock()
	if err := reg.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != v2 {
		t.Fatal("Not activated after client closed")
	}
}

func TestNewWaitingWorkerReplacesOld(t *testing.T) {
	storage := cache.NewMemStorage()
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	if err := reg.Register(context.Background(), newTestWorker(t, "v1", []string{"/"}, storage, n)); err != nil {
		t.Fatal(err)
	}
	reg.controller("page-1")
	v2 := newTestWorker(t, "v2", []string{"/"}, storage, n)
	v3 := newTestWorker(t, "v3", []string{"/"}, storage, n)
	reg.Register(context.Background(), v2)
	reg.Register(context.Background(), v3)

	if v2.State() != StateRedundant {
		t.Fatalf("v2 is %s", v2.State())
	}
	if err := reg.Message(context.Background(), Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != v3 {
		t.Fatal("v3 not activated")
	}
	names, _ := storage.Keys(context.Background())
	if len(names) != 1 || names[0] != "v3" {
		t.Fatalf("Generations are %v", names)
	}
}

func TestMessageIgnoresUnknownTypes(t *testing.T) {
	reg := newTestRegistration(cache.NewMemStorage(), appNetwork())
	if err := reg.Message(context.Background(), Message{Type: "PING"}); err != nil {
		t.Fatal(err)
	}
	// nothing waiting
	if err := reg.Message(context.Background(), Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatal(err)
	}
}

func TestEventsNeedActiveWorker(t *testing.T) {
	reg := newTestRegistration(cache.NewMemStorage(), appNetwork())
	if err := reg.Sync(context.Background(), "sync-data"); !errors.Is(err, ErrNoActiveWorker) {
		t.Fatalf("Expected ErrNoActiveWorker, got %v", err)
	}
	if _, err := reg.Push(context.Background(), nil); !errors.Is(err, ErrNoActiveWorker) {
		t.Fatalf("Expected ErrNoActiveWorker, got %v", err)
	}
}

// deleteHookStorage calls onDelete after each generation delete.
type deleteHookStorage struct {
	*cache.MemStorage
	onDelete func(name string)
}

func (s *deleteHookStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.MemStorage.Delete(ctx, name)
	if s.onDelete != nil {
		s.onDelete(name)
	}
	return ok, err
}

func TestReplacedWorkerDoesNotRecreateGenerationWhileActivating(t *testing.T) {
	storage := &deleteHookStorage{MemStorage: cache.NewMemStorage()}
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	v1 := newTestWorker(t, "v1", []string{"/"}, storage, n)
	if err := reg.Register(context.Background(), v1); err != nil {
		t.Fatal(err)
	}

	v2 := newTestWorker(t, "v2", []string{"/"}, storage, n)
	v2.SkipWaiting()
	served := false
	storage.onDelete = func(name string) {
		if name != "v1" {
			return
		}
		// v1 still serves its clients until v2 claims them
		res, _, err := fetch(t, v1, "GET", "/app.js")
		if err != nil {
			t.Error(err)
			return
		}
		readBody(t, res)
		v1.Wait()
		served = true
	}
	if err := reg.Register(context.Background(), v2); err != nil {
		t.Fatal(err)
	}
	if !served {
		t.Fatal("v1 generation was never deleted")
	}

	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"v2"}) {
		t.Fatalf("Generations after activation are %v", names)
	}
	if v1.State() != StateRedundant || v2.State() != StateActive {
		t.Fatalf("v1 is %s, v2 is %s", v1.State(), v2.State())
	}
}

// keysFailingStorage fails to list generations while fail is set.
type keysFailingStorage struct {
	*cache.MemStorage
	fail bool
}

func (s *keysFailingStorage) Keys(ctx context.Context) ([]string, error) {
	if s.fail {
		return nil, errors.New("storage unavailable")
	}
	return s.MemStorage.Keys(ctx)
}

func TestFailedActivationResumesWrites(t *testing.T) {
	storage := &keysFailingStorage{MemStorage: cache.NewMemStorage()}
	n := appNetwork()
	reg := newTestRegistration(storage, n)
	v1 := newTestWorker(t, "v1", []string{}, storage, n)
	if err := reg.Register(context.Background(), v1); err != nil {
		t.Fatal(err)
	}

	v2 := newTestWorker(t, "v2", []string{}, storage, n)
	v2.SkipWaiting()
	storage.fail = true
	if err := reg.Register(context.Background(), v2); err == nil {
		t.Fatal("Expected activation error")
	}
	storage.fail = false
	if reg.Active() != v1 {
		t.Fatal("Failed activation replaced the active worker")
	}

	res, action, err := fetch(t, v1, "GET", "/app.js")
	if err != nil || action != ServeNetworkAndCache {
		t.Fatalf("Action %s, error %v", action, err)
	}
	readBody(t, res)
	v1.Wait()
	if keys := generationKeys(t, storage, "v1"); !keys["GET:http://localhost:3000/app.js"] {
		t.Fatalf("Write after failed activation not stored: %v", keys)
	}
}
