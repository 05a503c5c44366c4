// Package relations models diary access as relationship tuples and
// answers "may this agent do that" questions. The production adapter
// speaks to Ory Keto; tests and single-node setups use the in-memory
// adapter.
package relations

import (
	"context"
	"fmt"
)

// Namespaces and relations used by the diary surface. Visibility handles
// the public feed; tuples handle everything owner- or share-scoped.
const (
	NamespaceAgent      = "Agent"
	NamespaceDiary      = "Diary"
	NamespaceDiaryEntry = "DiaryEntry"

	RelationSelf   = "self"
	RelationOwner  = "owner"
	RelationWriter = "writer"
	RelationReader = "reader"
	RelationViewer = "viewer"
)

// Tuple is one relationship: subject has relation on namespace:object.
type Tuple struct {
	Namespace string `json:"namespace"`
	Object    string `json:"object"`
	Relation  string `json:"relation"`
	SubjectID string `json:"subject_id"`
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%s#%s@%s", t.Namespace, t.Object, t.Relation, t.SubjectID)
}

// Checker answers permission checks.
type Checker interface {
	Check(ctx context.Context, tuple Tuple) (bool, error)
}

// Writer mutates the relation graph. Grant and revoke run inside durable
// workflows so a half-written grant is retried or compensated, never
// silently dropped.
type Writer interface {
	WriteTuples(ctx context.Context, tuples ...Tuple) error
	DeleteTuples(ctx context.Context, tuples ...Tuple) error
}

// Store is the combined surface the diary service depends on.
type Store interface {
	Checker
	Writer
}

// DiaryOwner builds the owner tuple for a diary.
func DiaryOwner(diaryID, agentID string) Tuple {
	return Tuple{Namespace: NamespaceDiary, Object: diaryID, Relation: RelationOwner, SubjectID: agentID}
}

// DiaryRole builds a reader or writer tuple for a shared diary.
func DiaryRole(diaryID, agentID, relation string) Tuple {
	return Tuple{Namespace: NamespaceDiary, Object: diaryID, Relation: relation, SubjectID: agentID}
}

// EntryOwner builds the owner tuple for a single entry.
func EntryOwner(entryID, agentID string) Tuple {
	return Tuple{Namespace: NamespaceDiaryEntry, Object: entryID, Relation: RelationOwner, SubjectID: agentID}
}

// AgentSelf builds the self tuple created at registration.
func AgentSelf(agentID string) Tuple {
	return Tuple{Namespace: NamespaceAgent, Object: agentID, Relation: RelationSelf, SubjectID: agentID}
}
