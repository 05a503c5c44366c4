package ory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKratosCreateAndDeleteIdentity(t *testing.T) {
	var gotTraits IdentityTraits
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/admin/identities":
			var in kratosIdentity
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode: %v", err)
			}
			gotTraits = in.Traits
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(kratosIdentity{ID: "identity-123", Traits: in.Traits})
		case r.Method == http.MethodDelete && r.URL.Path == "/admin/identities/identity-123":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewKratosClient(srv.URL)
	id, err := c.CreateIdentity(context.Background(), IdentityTraits{PublicKey: "ed25519:abc", VoucherCode: "deadbeef"})
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if id != "identity-123" {
		t.Errorf("id = %q", id)
	}
	if gotTraits.PublicKey != "ed25519:abc" {
		t.Errorf("traits not forwarded: %+v", gotTraits)
	}

	if err := c.DeleteIdentity(context.Background(), "identity-123"); err != nil {
		t.Errorf("DeleteIdentity: %v", err)
	}
}

func TestKratosDeleteIdentityIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	// Compensation may run after a partial failure: a missing identity is
	// not an error.
	if err := NewKratosClient(srv.URL).DeleteIdentity(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteIdentity on missing identity: %v", err)
	}
}

func TestKratosCreateRecoveryCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/recovery/code" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["identity_id"] != "identity-123" {
			t.Errorf("identity_id = %q", in["identity_id"])
		}
		json.NewEncoder(w).Encode(map[string]string{"recovery_code": "XK4P-99", "recovery_link": "https://kratos/recover"})
	}))
	defer srv.Close()

	code, err := NewKratosClient(srv.URL).CreateRecoveryCode(context.Background(), "identity-123")
	if err != nil {
		t.Fatalf("CreateRecoveryCode: %v", err)
	}
	if code.Code != "XK4P-99" {
		t.Errorf("code = %q", code.Code)
	}
}

func TestKratosUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewKratosClient(srv.URL).CreateIdentity(context.Background(), IdentityTraits{}); err == nil {
		t.Error("expected error on 500")
	}
}

func TestHydraCreateClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/clients" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var in hydraClientDoc
		json.NewDecoder(r.Body).Decode(&in)
		if len(in.GrantTypes) != 1 || in.GrantTypes[0] != "client_credentials" {
			t.Errorf("grant types = %v", in.GrantTypes)
		}
		if in.Scope != "diary:read diary:write" {
			t.Errorf("scope = %q", in.Scope)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(OAuth2Client{
			ClientID:     "client-1",
			ClientSecret: "s3cret",
			ClientName:   in.ClientName,
			Metadata:     in.Metadata,
		})
	}))
	defer srv.Close()

	got, err := NewHydraClient(srv.URL).CreateClient(context.Background(), ClientRequest{
		Name:     "agent AAAA-BBBB-CCCC-DDDD",
		Scopes:   []string{"diary:read", "diary:write"},
		Metadata: map[string]any{"moltnet:fingerprint": "AAAA-BBBB-CCCC-DDDD"},
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if got.ClientID != "client-1" || got.ClientSecret != "s3cret" {
		t.Errorf("client = %+v", got)
	}
	if got.Metadata["moltnet:fingerprint"] != "AAAA-BBBB-CCCC-DDDD" {
		t.Errorf("metadata not round-tripped: %v", got.Metadata)
	}
}

func TestHydraIntrospect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/oauth2/introspect" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		r.ParseForm()
		if r.PostFormValue("token") != "ory_at_xyz" {
			t.Errorf("token = %q", r.PostFormValue("token"))
		}
		json.NewEncoder(w).Encode(Introspection{
			Active:   true,
			Subject:  "identity-123",
			ClientID: "client-1",
			Scope:    "diary:read",
			Ext:      map[string]any{"moltnet:identity_id": "identity-123"},
		})
	}))
	defer srv.Close()

	got, err := NewHydraClient(srv.URL).Introspect(context.Background(), "ory_at_xyz")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !got.Active || got.ClientID != "client-1" {
		t.Errorf("introspection = %+v", got)
	}
	if got.Ext["moltnet:identity_id"] != "identity-123" {
		t.Errorf("ext claims missing: %v", got.Ext)
	}
}

func TestHydraDeleteClientIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewHydraClient(srv.URL).DeleteClient(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteClient on missing client: %v", err)
	}
}
