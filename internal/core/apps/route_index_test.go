package apps

import (
	"errors"
	"testing"
)

func TestLookupExactBeatsPrefix(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "a", Method: "GET", Path: "/api"})
	ix.put(RouteBinding{Seq: 2, AppID: "b", Method: "GET", Path: "/api/users"})

	b, ok := ix.lookup("GET", "/api/users")
	if !ok || b.AppID != "b" {
		t.Fatalf("exact match not preferred: got %+v, ok=%v", b, ok)
	}
}

func TestLookupLongestPrefixWins(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "a", Method: "GET", Path: "/api"})
	ix.put(RouteBinding{Seq: 2, AppID: "b", Method: "GET", Path: "/api/users"})

	b, ok := ix.lookup("GET", "/api/users/42/orders")
	if !ok || b.AppID != "b" {
		t.Fatalf("longest prefix not preferred: got %+v, ok=%v", b, ok)
	}

	b, ok = ix.lookup("GET", "/api/health")
	if !ok || b.AppID != "a" {
		t.Fatalf("shorter prefix not used as fallback: got %+v, ok=%v", b, ok)
	}
}

func TestLookupRootBindingIsCatchAll(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "root", Method: "GET", Path: "/"})
	ix.put(RouteBinding{Seq: 2, AppID: "api", Method: "GET", Path: "/api"})

	b, ok := ix.lookup("GET", "/")
	if !ok || b.AppID != "root" {
		t.Fatalf("exact root lookup failed: got %+v, ok=%v", b, ok)
	}
	b, ok = ix.lookup("GET", "/anything/else")
	if !ok || b.AppID != "root" {
		t.Fatalf("root binding did not catch unmatched path: got %+v, ok=%v", b, ok)
	}
	b, ok = ix.lookup("GET", "/api/users")
	if !ok || b.AppID != "api" {
		t.Fatalf("specific prefix lost to the root binding: got %+v, ok=%v", b, ok)
	}
	if _, ok := ix.lookup("POST", "/anything"); ok {
		t.Fatal("root binding matched across methods")
	}
}

func TestLookupMethodIsPartOfTheKey(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "a", Method: "GET", Path: "/hello2"})

	if _, ok := ix.lookup("POST", "/hello2"); ok {
		t.Fatal("POST resolved against a GET binding")
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "a", Method: "GET", Path: "/api"})

	if _, ok := ix.lookup("GET", "/other"); ok {
		t.Fatal("unrelated path resolved")
	}
}

func TestPutMostRecentRegistrationWins(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "old", Method: "GET", Path: "/greet"})
	ix.put(RouteBinding{Seq: 2, AppID: "new", Method: "GET", Path: "/greet"})

	b, _ := ix.lookup("GET", "/greet")
	if b.AppID != "new" {
		t.Fatalf("contested key owned by %q, want %q", b.AppID, "new")
	}

	// A stale insert must not displace a newer owner.
	ix.put(RouteBinding{Seq: 1, AppID: "old", Method: "GET", Path: "/greet"})
	b, _ = ix.lookup("GET", "/greet")
	if b.AppID != "new" {
		t.Fatalf("stale insert displaced newer owner: %+v", b)
	}
}

func TestDropAppRemovesOnlyItsBindings(t *testing.T) {
	ix := newRouteIndex()
	ix.put(RouteBinding{Seq: 1, AppID: "a", Method: "GET", Path: "/a"})
	ix.put(RouteBinding{Seq: 2, AppID: "b", Method: "GET", Path: "/b"})

	ix.dropApp("a")

	if _, ok := ix.lookup("GET", "/a"); ok {
		t.Fatal("dropped binding still resolves")
	}
	if _, ok := ix.lookup("GET", "/b"); !ok {
		t.Fatal("unrelated binding was dropped")
	}
}

func TestValidateRejectsBadManifests(t *testing.T) {
	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{"empty name", RegisterRequest{Name: "", Routes: []RouteSpec{{Method: "GET", Path: "/x"}}}},
		{"bad name chars", RegisterRequest{Name: "Hello World", Routes: []RouteSpec{{Method: "GET", Path: "/x"}}}},
		{"no routes", RegisterRequest{Name: "app"}},
		{"bad method", RegisterRequest{Name: "app", Routes: []RouteSpec{{Method: "FETCH", Path: "/x"}}}},
		{"relative path", RegisterRequest{Name: "app", Routes: []RouteSpec{{Method: "GET", Path: "x"}}}},
		{"double slash", RegisterRequest{Name: "app", Routes: []RouteSpec{{Method: "GET", Path: "//x"}}}},
		{"reserved path", RegisterRequest{Name: "app", Routes: []RouteSpec{{Method: "GET", Path: "/apps/evil"}}}},
		{"duplicate binding", RegisterRequest{Name: "app", Routes: []RouteSpec{
			{Method: "GET", Path: "/x"}, {Method: "GET", Path: "/x"},
		}}},
	}

	for _, tc := range cases {
		err := validate(tc.req)
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: error %v is not a *ValidationError", tc.name, err)
		}
	}

	ok := RegisterRequest{Name: "hello-app_2", Routes: []RouteSpec{{Method: "GET", Path: "/hello2"}}}
	if err := validate(ok); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
}
