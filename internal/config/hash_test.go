package config

import "testing"

func TestFingerprint(t *testing.T) {
	a := Defaults()
	b := Defaults()

	ha, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	hb, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if ha != hb {
		t.Fatalf("identical configs hash differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("len(hash) = %d, want 64 hex chars", len(ha))
	}

	b.Workers = 4
	hc, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if hc == ha {
		t.Fatal("changing workers should change the fingerprint")
	}
}
