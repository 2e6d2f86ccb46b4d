// Package store implements the document-store layer on Cloud Firestore:
// meetings, meeting sessions, subscribers, users, and the leader lease.
//
// Every multi-document mutation is wrapped in a transaction-per-transition
// helper so business logic never touches the transaction primitive directly.
// Firestore forbids reads after writes inside a transaction; each helper
// collects refs, performs all reads, computes, then writes.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
)

// txnTimeout bounds each transactional transition individually; the poll
// cycle itself has no deadline.
const txnTimeout = 30 * time.Second

// Collection and document names fixed by the data model.
const (
	orgsCollection        = "organizations"
	meetingsCollection    = "meetings"
	sessionsCollection    = "meeting_sessions"
	subscribersCollection = "subscribers"
	usersCollection       = "users"
	systemCollection      = "system"
	leaderDoc             = "controller_leader"
)

// Store wraps a Firestore client with the collection layout of the controller.
type Store struct {
	client *firestore.Client

	meetingsCollectionPath string
	meetingsQueryMode      string
}

// New creates a Store against the given project and database.
func New(ctx context.Context, projectID, database, meetingsPath, queryMode string) (*Store, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Store{
		client:                 client,
		meetingsCollectionPath: meetingsPath,
		meetingsQueryMode:      queryMode,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionRef(orgID, sessionID string) *firestore.DocumentRef {
	return s.client.Collection(orgsCollection).Doc(orgID).
		Collection(sessionsCollection).Doc(sessionID)
}

func (s *Store) subscriberRef(orgID, sessionID, userID string) *firestore.DocumentRef {
	return s.sessionRef(orgID, sessionID).Collection(subscribersCollection).Doc(userID)
}

func (s *Store) orgMeetings(orgID string) *firestore.CollectionRef {
	return s.client.Collection(orgsCollection).Doc(orgID).Collection(meetingsCollection)
}

// relPath converts a DocumentRef's full resource name into the relative path
// usable with client.Doc ("organizations/<org>/meetings/<id>").
func relPath(ref *firestore.DocumentRef) string {
	const marker = "/documents/"
	if i := strings.Index(ref.Path, marker); i >= 0 {
		return ref.Path[i+len(marker):]
	}
	return ref.Path
}

// orgFromSessionRef recovers the org id from a collection-group session ref.
func orgFromSessionRef(ref *firestore.DocumentRef) string {
	parts := strings.Split(relPath(ref), "/")
	// organizations/<org>/meeting_sessions/<id>
	if len(parts) >= 4 && parts[0] == orgsCollection {
		return parts[1]
	}
	return ""
}
