package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
)

// TryAcquireLease attempts to acquire or renew the cluster-wide scheduling
// lease. It succeeds when the lease record is absent, expired, or already
// held by instanceID; otherwise the current holder keeps it.
func (s *Store) TryAcquireLease(ctx context.Context, instanceID string, lease time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()

	ref := s.client.Collection(systemCollection).Doc(leaderDoc)
	acquired := false

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := time.Now().UTC()
		record := map[string]interface{}{
			"leader_id":        instanceID,
			"lease_expires_at": now.Add(lease),
			"last_renewed_at":  now,
		}

		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				acquired = true
				return tx.Set(ref, record)
			}
			return err
		}

		data := snap.Data()
		holder, _ := data["leader_id"].(string)
		expires, hasExpiry := meeting.ParseEventTime(data["lease_expires_at"])
		if holder != instanceID && hasExpiry && expires.After(now) {
			return nil
		}

		acquired = true
		return tx.Set(ref, record)
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}
