package relations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMemoryRelationsGrantAndRevoke(t *testing.T) {
	m := NewMemoryRelations()
	ctx := context.Background()
	owner := DiaryOwner("d-1", "agent-a")
	reader := DiaryRole("d-1", "agent-b", RelationReader)

	if err := m.WriteTuples(ctx, owner, reader); err != nil {
		t.Fatalf("WriteTuples: %v", err)
	}
	for _, tc := range []struct {
		tuple Tuple
		want  bool
	}{
		{owner, true},
		{reader, true},
		{DiaryRole("d-1", "agent-b", RelationWriter), false},
		{DiaryRole("d-2", "agent-a", RelationOwner), false},
	} {
		got, err := m.Check(ctx, tc.tuple)
		if err != nil {
			t.Fatalf("Check(%s): %v", tc.tuple, err)
		}
		if got != tc.want {
			t.Errorf("Check(%s) = %v, want %v", tc.tuple, got, tc.want)
		}
	}

	if err := m.DeleteTuples(ctx, reader); err != nil {
		t.Fatalf("DeleteTuples: %v", err)
	}
	if ok, _ := m.Check(ctx, reader); ok {
		t.Error("revoked tuple still checks true")
	}
	if ok, _ := m.Check(ctx, owner); !ok {
		t.Error("unrelated tuple lost on revoke")
	}
}

func TestTupleString(t *testing.T) {
	got := AgentSelf("agent-a").String()
	if got != "Agent:agent-a#self@agent-a" {
		t.Errorf("tuple string = %q", got)
	}
}

func TestKetoCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/relation-tuples/check" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var in Tuple
		json.NewDecoder(r.Body).Decode(&in)
		allowed := in.SubjectID == "agent-a"
		if !allowed {
			w.WriteHeader(http.StatusForbidden)
		}
		json.NewEncoder(w).Encode(map[string]bool{"allowed": allowed})
	}))
	defer srv.Close()

	k := NewKetoClient(srv.URL, srv.URL)
	ok, err := k.Check(context.Background(), DiaryOwner("d-1", "agent-a"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Error("expected allowed")
	}
	ok, err = k.Check(context.Background(), DiaryOwner("d-1", "agent-b"))
	if err != nil {
		t.Fatalf("Check denied: %v", err)
	}
	if ok {
		t.Error("expected denied")
	}
}

func TestKetoWriteTuplesPatch(t *testing.T) {
	var got []ketoPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/admin/relation-tuples" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	k := NewKetoClient(srv.URL, srv.URL)
	err := k.WriteTuples(context.Background(), DiaryOwner("d-1", "agent-a"), EntryOwner("e-1", "agent-a"))
	if err != nil {
		t.Fatalf("WriteTuples: %v", err)
	}
	if len(got) != 2 || got[0].Action != "insert" || got[1].Tuple.Namespace != NamespaceDiaryEntry {
		t.Errorf("patches = %+v", got)
	}
}

func TestKetoWriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	k := NewKetoClient(srv.URL, srv.URL)
	if err := k.WriteTuples(context.Background(), AgentSelf("agent-a")); err == nil {
		t.Error("expected error on 500")
	}
}

func TestKetoWriteTuplesEmpty(t *testing.T) {
	// No tuples, no HTTP call.
	k := NewKetoClient("http://127.0.0.1:1", "http://127.0.0.1:1")
	if err := k.WriteTuples(context.Background()); err != nil {
		t.Errorf("empty write should be a no-op, got %v", err)
	}
}
