package pipeline

import "testing"

func TestFingerprint_Deterministic(t *testing.T) {
	content := []byte("parcel registration form, owner J. Dupont")

	first := Fingerprint(content, "")
	second := Fingerprint(content, "")

	if first != second {
		t.Fatalf("same content produced different digests: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
}

func TestFingerprint_DifferentContentDiffers(t *testing.T) {
	a := Fingerprint([]byte("document A"), "")
	b := Fingerprint([]byte("document B"), "")
	if a == b {
		t.Fatalf("distinct content produced identical digest %s", a)
	}
}

func TestFingerprint_ContextDisambiguates(t *testing.T) {
	content := []byte("<html><body>standard boilerplate</body></html>")

	plain := Fingerprint(content, "")
	siteA := Fingerprint(content, "https://a.example/farm/1")
	siteB := Fingerprint(content, "https://b.example/farm/2")

	if siteA == siteB {
		t.Fatal("different contexts should produce different digests")
	}
	if plain == siteA {
		t.Fatal("context should change the digest")
	}
}

func TestFingerprint_ContextFramingCannotCollide(t *testing.T) {
	// ("ab" + ctx "c") must not equal ("abc" + no ctx) or ("a" + ctx "bc").
	a := Fingerprint([]byte("ab"), "c")
	b := Fingerprint([]byte("abc"), "")
	c := Fingerprint([]byte("a"), "bc")

	if a == b || a == c || b == c {
		t.Fatalf("framing collision: %s / %s / %s", a, b, c)
	}
}

func TestFingerprintFields_OrderIndependent(t *testing.T) {
	// Maps iterate in random order; the digest must not depend on it. Build the
	// same logical map twice with different insertion orders.
	first := map[string]string{"owner_name": "Jean Dupont", "address": "12 Rue Verte", "parcel": "A-17"}
	second := map[string]string{"parcel": "A-17", "address": "12 Rue Verte", "owner_name": "Jean Dupont"}

	for i := 0; i < 50; i++ {
		if FingerprintFields(first, "") != FingerprintFields(second, "") {
			t.Fatal("field digest depends on map ordering")
		}
	}
}

func TestFingerprintFields_KeyValueBoundary(t *testing.T) {
	a := FingerprintFields(map[string]string{"ab": "c"}, "")
	b := FingerprintFields(map[string]string{"a": "bc"}, "")
	if a == b {
		t.Fatal("key/value boundary not framed")
	}
}
