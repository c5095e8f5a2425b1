package sandbox

import "testing"

func TestNetGuardAllowedHost(t *testing.T) {
	g, err := newNetGuard([]string{"api.weather.example.com"})
	if err != nil {
		t.Fatalf("newNetGuard error: %v", err)
	}
	defer g.Close()

	if !g.allowed("api.weather.example.com:443") {
		t.Fatal("expected host on the allow-list to be permitted")
	}
}

func TestNetGuardDeniedHost(t *testing.T) {
	g, err := newNetGuard([]string{"api.weather.example.com"})
	if err != nil {
		t.Fatalf("newNetGuard error: %v", err)
	}
	defer g.Close()

	if g.allowed("evil.example.com:443") {
		t.Fatal("expected host not on the allow-list to be denied")
	}
}

func TestNetGuardEmptyAllowListDeniesEverything(t *testing.T) {
	g, err := newNetGuard(nil)
	if err != nil {
		t.Fatalf("newNetGuard error: %v", err)
	}
	defer g.Close()

	if g.allowed("anything.example.com:443") {
		t.Fatal("expected empty allow-list to deny all hosts")
	}
}
