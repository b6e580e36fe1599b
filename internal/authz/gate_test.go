package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/bullseye-dist/bullseye/internal/capability"
)

type stubSource struct {
	global     []string
	scoped     map[string][]string
	err        error
	recomputes int
}

func (s *stubSource) GetOrCompute(_ context.Context, userID, applicationID string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	if applicationID == "" {
		return s.global, nil
	}
	return s.scoped[applicationID], nil
}

func (s *stubSource) Recompute(_ context.Context, _, _ string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.recomputes++
	return s.global, nil
}

func TestHasPermission(t *testing.T) {
	src := &stubSource{global: []string{"FileUpload", "BlogPost"}}
	gate := NewGate(src, nil, nil)

	ok, err := gate.HasPermission(context.Background(), "user-1", capability.FileUpload)
	if err != nil || !ok {
		t.Fatalf("HasPermission(FileUpload) = %v, %v; want true", ok, err)
	}

	ok, err = gate.HasPermission(context.Background(), "user-1", capability.FileDelete)
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if ok {
		t.Fatal("FileDelete should deny")
	}
}

func TestHasPermissionAnonymousDenies(t *testing.T) {
	src := &stubSource{global: []string{"FileUpload"}}
	gate := NewGate(src, nil, nil)

	ok, err := gate.HasPermission(context.Background(), "", capability.FileUpload)
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if ok {
		t.Fatal("empty user must deny")
	}
}

func TestHasPermissionFailsClosed(t *testing.T) {
	lookupErr := errors.New("store down")
	gate := NewGate(&stubSource{err: lookupErr}, nil, nil)

	ok, err := gate.HasPermission(context.Background(), "user-1", capability.FileUpload)
	if ok {
		t.Fatal("lookup failure must deny")
	}
	if !errors.Is(err, lookupErr) {
		t.Fatalf("err = %v, want the lookup error", err)
	}
}

func TestHasAnyPermission(t *testing.T) {
	src := &stubSource{global: []string{"BlogPost"}}
	gate := NewGate(src, nil, nil)

	ok, err := gate.HasAnyPermission(context.Background(), "user-1", capability.FileUpload, capability.BlogPost)
	if err != nil || !ok {
		t.Fatalf("HasAnyPermission = %v, %v; want true", ok, err)
	}

	ok, err = gate.HasAnyPermission(context.Background(), "user-1", capability.FileUpload, capability.FileDelete)
	if err != nil {
		t.Fatalf("HasAnyPermission: %v", err)
	}
	if ok {
		t.Fatal("no listed capability is granted")
	}

	ok, err = gate.HasAnyPermission(context.Background(), "user-1")
	if err != nil || ok {
		t.Fatalf("empty capability list = %v, %v; want false, nil", ok, err)
	}
}

func TestHasApplicationPermission(t *testing.T) {
	src := &stubSource{scoped: map[string][]string{
		"app-1": {"View", "UploadBuild"},
	}}
	gate := NewGate(src, nil, nil)

	ok, err := gate.HasApplicationPermission(context.Background(), "user-1", "app-1", capability.ScopedUploadBuild)
	if err != nil || !ok {
		t.Fatalf("HasApplicationPermission(app-1) = %v, %v; want true", ok, err)
	}

	ok, err = gate.HasApplicationPermission(context.Background(), "user-1", "app-2", capability.ScopedUploadBuild)
	if err != nil {
		t.Fatalf("HasApplicationPermission: %v", err)
	}
	if ok {
		t.Fatal("app-2 grants nothing")
	}

	ok, err = gate.HasApplicationPermission(context.Background(), "user-1", "", capability.ScopedView)
	if err != nil || ok {
		t.Fatalf("empty application = %v, %v; want false, nil", ok, err)
	}
}

func TestRecalculateForcesRecompute(t *testing.T) {
	src := &stubSource{global: []string{"FileUpload"}}
	gate := NewGate(src, nil, nil)

	caps, err := gate.Recalculate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if len(caps) != 1 || caps[0] != "FileUpload" {
		t.Fatalf("caps = %v", caps)
	}
	if src.recomputes != 1 {
		t.Fatalf("recomputes = %d, want 1", src.recomputes)
	}
}
