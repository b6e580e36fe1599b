package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/shared"
)

func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func requestAs(userID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if userID != "" {
		r = r.WithContext(shared.ContextWithUserID(context.Background(), userID))
	}
	return r
}

func TestRequireAnyAllows(t *testing.T) {
	gate := NewGate(&stubSource{global: []string{"FileUpload"}}, nil, nil)
	mw := Middleware{Gate: gate}
	next, called := okHandler()

	rec := httptest.NewRecorder()
	mw.RequireAny(capability.FileUpload, capability.FileDelete)(next).ServeHTTP(rec, requestAs("user-1"))

	if rec.Code != http.StatusOK || !*called {
		t.Fatalf("code = %d, called = %v; want 200 and handler invoked", rec.Code, *called)
	}
}

func TestRequireAnyForbidsMissingCapability(t *testing.T) {
	gate := NewGate(&stubSource{global: []string{"BlogPost"}}, nil, nil)
	mw := Middleware{Gate: gate}
	next, called := okHandler()

	rec := httptest.NewRecorder()
	mw.RequireAny(capability.FileUpload)(next).ServeHTTP(rec, requestAs("user-1"))

	if rec.Code != http.StatusForbidden || *called {
		t.Fatalf("code = %d, called = %v; want 403 and handler skipped", rec.Code, *called)
	}
}

func TestRequireAnyForbidsAnonymous(t *testing.T) {
	gate := NewGate(&stubSource{global: []string{"FileUpload"}}, nil, nil)
	mw := Middleware{Gate: gate}
	next, called := okHandler()

	rec := httptest.NewRecorder()
	mw.RequireAny(capability.FileUpload)(next).ServeHTTP(rec, requestAs(""))

	if rec.Code != http.StatusForbidden || *called {
		t.Fatalf("code = %d, called = %v; want 403 and handler skipped", rec.Code, *called)
	}
}

func TestRequireAnyLookupFailureIsServerError(t *testing.T) {
	gate := NewGate(&stubSource{err: errors.New("store down")}, nil, nil)
	mw := Middleware{Gate: gate}
	next, called := okHandler()

	rec := httptest.NewRecorder()
	mw.RequireAny(capability.FileUpload)(next).ServeHTTP(rec, requestAs("user-1"))

	if rec.Code != http.StatusInternalServerError || *called {
		t.Fatalf("code = %d, called = %v; want 500 and handler skipped", rec.Code, *called)
	}
}

func TestRequireAllNeedsEveryCapability(t *testing.T) {
	gate := NewGate(&stubSource{global: []string{"FileUpload", "FileDelete"}}, nil, nil)
	mw := Middleware{Gate: gate}

	next, called := okHandler()
	rec := httptest.NewRecorder()
	mw.RequireAll(capability.FileUpload, capability.FileDelete)(next).ServeHTTP(rec, requestAs("user-1"))
	if rec.Code != http.StatusOK || !*called {
		t.Fatalf("full set: code = %d, called = %v", rec.Code, *called)
	}

	next, called = okHandler()
	rec = httptest.NewRecorder()
	mw.RequireAll(capability.FileUpload, capability.BlogPost)(next).ServeHTTP(rec, requestAs("user-1"))
	if rec.Code != http.StatusForbidden || *called {
		t.Fatalf("partial set: code = %d, called = %v", rec.Code, *called)
	}
}

func TestRequireApplication(t *testing.T) {
	gate := NewGate(&stubSource{scoped: map[string][]string{"app-1": {"UploadBuild"}}}, nil, nil)
	mw := Middleware{Gate: gate}
	appID := func(*http.Request) string { return "app-1" }

	next, called := okHandler()
	rec := httptest.NewRecorder()
	mw.RequireApplication(appID, capability.ScopedUploadBuild)(next).ServeHTTP(rec, requestAs("user-1"))
	if rec.Code != http.StatusOK || !*called {
		t.Fatalf("granted: code = %d, called = %v", rec.Code, *called)
	}

	next, called = okHandler()
	rec = httptest.NewRecorder()
	mw.RequireApplication(appID, capability.ScopedDeleteVersion)(next).ServeHTTP(rec, requestAs("user-1"))
	if rec.Code != http.StatusForbidden || *called {
		t.Fatalf("missing: code = %d, called = %v", rec.Code, *called)
	}
}
