package registry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"campusfeed/internal/bus"
	"campusfeed/internal/model"
)

func push(t *testing.T, b *bus.Bus, audience model.Audience) model.Notification {
	t.Helper()
	n := model.Notification{
		ID:        "n-" + audience.Topic(),
		Kind:      model.KindFacultyNotification,
		Audience:  audience,
		Data:      json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	}
	b.Publish(audience.Topic(), n)
	return n
}

func expect(t *testing.T, conn *Connection, id string) {
	t.Helper()
	select {
	case n := <-conn.C():
		if n.ID != id {
			t.Fatalf("expected %s, got %s", id, n.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", id)
	}
}

func expectNothing(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case n, ok := <-conn.C():
		if ok {
			t.Fatalf("unexpected notification %s", n.ID)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinSubscribesIdentityRolesAndBroadcast(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	reg := New(b, 8)

	conn, err := reg.Join("c1", "student-1", []string{"student", "student:cse"})
	if err != nil {
		t.Fatalf("join error: %v", err)
	}
	defer reg.Leave("c1")

	expect(t, conn, push(t, b, model.IdentityAudience("student-1")).ID)
	expect(t, conn, push(t, b, model.RoleAudience("student")).ID)
	expect(t, conn, push(t, b, model.RoleAudience("student:cse")).ID)
	expect(t, conn, push(t, b, model.BroadcastAudience()).ID)

	push(t, b, model.RoleAudience("faculty"))
	expectNothing(t, conn)
}

func TestIdentityFanOutAcrossConnections(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	reg := New(b, 8)

	first, err := reg.Join("tab-1", "student-1", []string{"student"})
	if err != nil {
		t.Fatalf("join error: %v", err)
	}
	second, err := reg.Join("tab-2", "student-1", []string{"student"})
	if err != nil {
		t.Fatalf("join error: %v", err)
	}
	defer reg.Leave("tab-1")
	defer reg.Leave("tab-2")

	if got := len(reg.ConnectionsFor("student-1")); got != 2 {
		t.Fatalf("expected 2 connections for identity, got %d", got)
	}

	n := push(t, b, model.IdentityAudience("student-1"))
	expect(t, first, n.ID)
	expect(t, second, n.ID)
}

func TestDuplicateConnectionIDRejected(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	reg := New(b, 8)

	if _, err := reg.Join("c1", "u1", nil); err != nil {
		t.Fatalf("join error: %v", err)
	}
	defer reg.Leave("c1")
	if _, err := reg.Join("c1", "u2", nil); err == nil {
		t.Fatalf("expected duplicate join to fail")
	}
}

func TestLeaveStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	reg := New(b, 8)

	conn, err := reg.Join("c1", "u1", []string{"faculty"})
	if err != nil {
		t.Fatalf("join error: %v", err)
	}
	reg.Leave("c1")
	reg.Leave("c1")

	if got := reg.Len(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
	push(t, b, model.RoleAudience("faculty"))
	expectNothing(t, conn)
}

func TestConcurrentJoinLeaveSameID(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	reg := New(b, 8)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := reg.Join("c1", "u1", []string{"student"}); err != nil && err != errAlreadyJoined {
					t.Errorf("join error: %v", err)
					return
				}
				reg.Leave("c1")
			}
		}()
	}
	wg.Wait()
	reg.Leave("c1")

	if got := reg.Len(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
	if got := len(reg.ConnectionsFor("u1")); got != 0 {
		t.Fatalf("expected no connections for identity, got %d", got)
	}
}

func TestCloseAll(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	reg := New(b, 8)

	if _, err := reg.Join("c1", "u1", nil); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if _, err := reg.Join("c2", "u2", nil); err != nil {
		t.Fatalf("join error: %v", err)
	}
	reg.CloseAll()
	if got := reg.Len(); got != 0 {
		t.Fatalf("expected empty registry after CloseAll, got %d", got)
	}
}
