package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/makinet/agent/internal/testutil/testlog"
)

func TestRegisterPostsIdentity(t *testing.T) {
	testlog.Start(t)
	var got Registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := Registration{Slug: "maki-abcd1234", APIURL: "https://10.0.0.5:10514"}
	if err := Register(context.Background(), srv.Client(), srv.URL, reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got != reg {
		t.Fatalf("control plane saw %+v, sent %+v", got, reg)
	}
}

func TestRegisterNonSuccessStatus(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	err := Register(context.Background(), srv.Client(), srv.URL, Registration{Slug: "maki-abcd1234"})
	if !errors.Is(err, ErrRegister) {
		t.Fatalf("expected ErrRegister, got %v", err)
	}
	if !strings.Contains(err.Error(), "node quota exceeded") {
		t.Fatalf("diagnostic body missing from error: %v", err)
	}
}

func TestRegisterUnreachableControlPlane(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := Register(context.Background(), http.DefaultClient, srv.URL, Registration{Slug: "maki-abcd1234"})
	if !errors.Is(err, ErrRegister) {
		t.Fatalf("expected ErrRegister, got %v", err)
	}
}

func TestSlugShape(t *testing.T) {
	testlog.Start(t)
	slug := Slug()
	if !strings.HasPrefix(slug, "maki-") {
		t.Fatalf("slug prefix: %q", slug)
	}
	if len(slug) != len("maki-")+8 {
		t.Fatalf("slug length: %q", slug)
	}
	if slug != Slug() {
		t.Fatalf("slug not stable across calls")
	}
}
