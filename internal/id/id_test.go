package id

import "testing"

func TestNewIsUniqueAndValid(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected generated ids to be valid: %s %s", a, b)
	}
	if Valid("../etc/passwd") {
		t.Fatal("expected path-like string to be invalid")
	}
}
