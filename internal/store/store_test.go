package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestMap(t *testing.T, opts ...Option) (*Map, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	m, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, path
}

// readFileJSON fails the test if the on-disk file is not complete valid JSON,
// which is the atomicity guarantee readers rely on.
func readFileJSON(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("file %s is not valid JSON: %v\n%s", path, err, raw)
	}
	return data
}

func TestMap_InitializesMissingFile(t *testing.T) {
	_, path := openTestMap(t)
	data := readFileJSON(t, path)
	if len(data) != 0 {
		t.Fatalf("fresh store should be empty, got %d keys", len(data))
	}
}

func TestMap_SetGetDelete(t *testing.T) {
	m, _ := openTestMap(t)

	type rec struct {
		Name string `json:"name"`
	}
	if err := m.Set("k1", rec{Name: "alpha"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got rec
	ok, err := m.GetJSON("k1", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if got.Name != "alpha" {
		t.Errorf("got %+v", got)
	}

	if !m.Delete("k1") {
		t.Error("Delete should report the key was present")
	}
	if m.Delete("k1") {
		t.Error("second Delete should report absence")
	}
	if _, ok := m.Get("k1"); ok {
		t.Error("key still present after delete")
	}
}

func TestMap_DebouncedSaveCoalesces(t *testing.T) {
	m, path := openTestMap(t, WithDebounce(30*time.Millisecond))

	for i := 0; i < 20; i++ {
		m.SetRaw("burst", json.RawMessage(`"v"`))
	}
	// Before the window elapses the file still holds the initial snapshot.
	if data := readFileJSON(t, path); len(data) != 0 {
		t.Fatalf("write landed before debounce window: %v", data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if data := readFileJSON(t, path); len(data) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced save never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMap_CloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	m, err := Open(path, WithDebounce(10*time.Second)) // window long enough to never fire
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.SetRaw("pending", json.RawMessage(`123`))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data := readFileJSON(t, path)
	if string(data["pending"]) != "123" {
		t.Fatalf("pending write lost: %v", data)
	}
}

func TestMap_MalformedFileResetsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte(`{"broken": `), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open should absorb malformed content: %v", err)
	}
	defer m.Close()

	if m.Len() != 0 {
		t.Fatalf("expected empty map after reset, got %d keys", m.Len())
	}
}

func TestMap_ReloadSeesPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	m1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	m1.SetRaw("a", json.RawMessage(`1`))
	m1.SetRaw("b", json.RawMessage(`2`))
	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}

	m2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()

	keys := m2.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("reloaded keys = %v", keys)
	}
}

// Writers mutating while a reader polls the file must never expose partial
// JSON: every observed file state parses.
func TestMap_ConcurrentWritersAtomicFile(t *testing.T) {
	m, path := openTestMap(t, WithDebounce(time.Millisecond))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			m.SetRaw("k", json.RawMessage(`"abcdefghijklmnopqrstuvwxyz"`))
			m.Delete("k")
		}
	}()

	for i := 0; i < 200; i++ {
		readFileJSON(t, path)
	}
	close(stop)
	wg.Wait()
}
