package sync

import (
	"testing"

	"github.com/urpmng/urpm"
)

func TestParseMD5SUM(t *testing.T) {
	body := "d41d8cd98f00b204e9800998ecf8427e  ./synthesis.hdlist.cz\n" +
		"e3b0c44298fc1c149afbf4c8996fb924  MD5SUM\n"
	got, ok := parseMD5SUM(body, "synthesis.hdlist.cz")
	if !ok {
		t.Fatal("expected entry for synthesis.hdlist.cz")
	}
	if got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("got %q", got)
	}
	if _, ok := parseMD5SUM(body, "hdlist.cz"); ok {
		t.Error("unexpected match for absent filename")
	}
}

func TestTopPriorityTier(t *testing.T) {
	servers := []urpm.Server{
		{Name: "a", Priority: 5},
		{Name: "b", Priority: 10},
		{Name: "c", Priority: 10},
		{Name: "d", Priority: 1},
	}
	tier := topPriorityTier(servers)
	if len(tier) != 2 {
		t.Fatalf("got %d servers, want 2", len(tier))
	}
	for _, s := range tier {
		if s.Priority != 10 {
			t.Errorf("server %s has priority %d, want 10", s.Name, s.Priority)
		}
	}
}

func TestEnabledOnly(t *testing.T) {
	servers := []urpm.Server{{Name: "a", Enabled: true}, {Name: "b", Enabled: false}}
	out := enabledOnly(servers)
	if len(out) != 1 || out[0].Name != "a" {
		t.Errorf("got %v", out)
	}
}
