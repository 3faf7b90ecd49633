package discovery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJitterWithinBounds(t *testing.T) {
	base := 60 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		lo := time.Duration(float64(base) * 0.7)
		hi := time.Duration(float64(base) * 1.3)
		if got < lo || got > hi {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", base, got, lo, hi)
		}
	}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	ann := Announcement{Host: "10.0.0.5", Port: 8099, Version: "1.2.3"}
	payload, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := append(append([]byte{}, magic[:]...), payload...)
	if string(msg[:len(magic)]) != "URPMD1" {
		t.Fatalf("got magic %q", msg[:len(magic)])
	}
	var got Announcement
	if err := json.Unmarshal(msg[len(magic):], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != ann {
		t.Fatalf("got %+v, want %+v", got, ann)
	}
}
