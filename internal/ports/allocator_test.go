package ports

import (
	"errors"
	"net"
	"testing"
)

func TestAllocateAssignsSequentialPorts(t *testing.T) {
	a, err := New(8090, 3, 9000)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got, err := a.Allocate([]string{"jira", "gitlab", "dashboard"}, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := map[string]int{"jira": 8090, "gitlab": 8091, "dashboard": 8092}
	for role, port := range want {
		if got[role] != port {
			t.Fatalf("role %s: expected %d, got %d", role, port, got[role])
		}
	}
}

func TestAllocateOffsetsByBlockIndex(t *testing.T) {
	a, err := New(8090, 10, 9000)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got, err := a.Allocate([]string{"web", "db"}, 3)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got["web"] != 8120 || got["db"] != 8121 {
		t.Fatalf("expected 8120/8121, got %v", got)
	}
}

func TestAllocatePastCeilingIsExhausted(t *testing.T) {
	a, err := New(8090, 10, 8110)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := a.Allocate([]string{"web"}, 1); err != nil {
		t.Fatalf("block 1 should fit: %v", err)
	}
	if _, err := a.Allocate([]string{"web"}, 2); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAllocateRejectsOversizedRoleSet(t *testing.T) {
	a, err := New(8090, 2, 9000)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.Allocate([]string{"a", "b", "c"}, 0); err == nil {
		t.Fatalf("expected error for role set larger than block")
	}
}

func TestAllocateRejectsDuplicateRoles(t *testing.T) {
	a, err := New(8090, 5, 9000)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.Allocate([]string{"web", "web"}, 0); err == nil {
		t.Fatalf("expected error for duplicate role")
	}
}

func TestVerifyFreeDetectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if err := VerifyFree(port); err == nil {
		t.Fatalf("expected port %d to be reported busy", port)
	}
}

func TestNewValidatesConfiguration(t *testing.T) {
	if _, err := New(0, 3, 9000); err == nil {
		t.Fatalf("expected error for zero base port")
	}
	if _, err := New(8090, 0, 9000); err == nil {
		t.Fatalf("expected error for zero block size")
	}
	if _, err := New(8090, 3, 8000); err == nil {
		t.Fatalf("expected error for ceiling below base")
	}
}
