package collector

import "testing"

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("direct", &Direct{}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("direct", &Direct{}); err == nil {
		t.Fatal("expected an error registering the same name twice")
	}
}

func TestRegistryGetUnknownNameErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected an error for an unregistered name")
	}
}

func TestRegistryGetReturnsRegisteredDestination(t *testing.T) {
	r := NewRegistry()
	want := &Direct{Node: "host1"}
	if err := r.Register("direct", want); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("direct")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.(*Direct) != want {
		t.Error("Get returned a different Destination than was registered")
	}
}
