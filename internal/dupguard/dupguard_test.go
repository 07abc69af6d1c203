package dupguard

import (
	"testing"
	"time"
)

func TestFirstRequestIsNeverADuplicate(t *testing.T) {
	g := New(50 * time.Millisecond)
	if g.Check(Key("POST", "/withdraw", "1.2.3.4", "user-1")) {
		t.Fatalf("expected first request to not be a duplicate")
	}
}

func TestRepeatWithinWindowIsRefused(t *testing.T) {
	g := New(100 * time.Millisecond)
	key := Key("POST", "/withdraw", "1.2.3.4", "user-1")
	if g.Check(key) {
		t.Fatalf("first call should not be a duplicate")
	}
	if !g.Check(key) {
		t.Fatalf("second call within the window should be a duplicate")
	}
}

func TestRepeatAfterWindowIsAllowed(t *testing.T) {
	g := New(30 * time.Millisecond)
	key := Key("POST", "/withdraw", "1.2.3.4", "user-1")
	g.Check(key)
	time.Sleep(60 * time.Millisecond)
	if g.Check(key) {
		t.Fatalf("expected the key to have expired out of the window")
	}
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	g := New(time.Second)
	if g.Check(Key("POST", "/withdraw", "1.2.3.4", "user-1")) {
		t.Fatalf("unexpected duplicate")
	}
	if g.Check(Key("POST", "/withdraw", "1.2.3.4", "user-2")) {
		t.Fatalf("different resourceId should not collide")
	}
	if g.Check(Key("GET", "/withdraw", "1.2.3.4", "user-1")) {
		t.Fatalf("different method should not collide")
	}
}
