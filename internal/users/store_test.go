package users

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestGrantRevoke(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "data", "users.json"))

	ok, err := s.IsAuthorized(42)
	if err != nil || ok {
		t.Fatalf("IsAuthorized() on missing file = %v, %v", ok, err)
	}

	if err := s.Grant(42); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsAuthorized(42); !ok {
		t.Error("granted user is not authorized")
	}

	if err := s.Revoke(42); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsAuthorized(42); ok {
		t.Error("revoked user is still authorized")
	}
	if err := s.Revoke(7); err != nil {
		t.Errorf("Revoke() of unknown user = %v", err)
	}
}

func TestReadsHandEditedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte(`{"authorized_users": {"123": {}, "456": {"forwarder": -1001}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)

	ids, err := s.List()
	if err != nil || len(ids) != 2 || ids[0] != 123 {
		t.Fatalf("List() = %v, %v", ids, err)
	}
	rec, ok, err := s.Get(456)
	if err != nil || !ok || rec.Forwarder == nil || *rec.Forwarder != -1001 {
		t.Errorf("Get(456) = %+v, %v, %v", rec, ok, err)
	}
}

func TestSetForwarder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	s := NewStore(path)

	chat := int64(-100123)
	if err := s.SetForwarder(1, &chat); err == nil {
		t.Error("SetForwarder() for an unauthorized user should fail")
	}

	_ = s.Grant(1)
	if err := s.SetForwarder(1, &chat); err != nil {
		t.Fatal(err)
	}
	// granting again keeps the forwarder
	_ = s.Grant(1)
	rec, _, _ := s.Get(1)
	if rec.Forwarder == nil || *rec.Forwarder != chat {
		t.Errorf("forwarder = %v", rec.Forwarder)
	}

	if err := s.SetForwarder(1, nil); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "forwarder") {
		t.Errorf("cleared forwarder still written: %s", data)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	_ = os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := NewStore(path).IsAuthorized(1); err == nil {
		t.Error("corrupt file should surface an error")
	}
}

func TestConcurrentGrants(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "users.json"))
	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.Grant(id); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	ids, _ := s.List()
	if len(ids) != 20 {
		t.Errorf("got %d users, want 20", len(ids))
	}
}
