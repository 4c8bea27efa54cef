package repository

import (
	"context"
	"database/sql"
	"time"

	cd "controlling_door"
)

type SubscriptionSQLite struct {
	db *sql.DB
}

func NewSubscriptionSQLite(db *sql.DB) *SubscriptionSQLite {
	return &SubscriptionSQLite{db: db}
}

var _ Subscriptions = (*SubscriptionSQLite)(nil)

const (
	upsertSubscriptionSQL = `
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			p256dh=excluded.p256dh,
			auth=excluded.auth
	`
	deleteSubscriptionSQL = `DELETE FROM push_subscriptions WHERE endpoint = ?`
	selectSubscriptionsSQL = `SELECT endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY created_at ASC`
)

// Upsert stores a browser subscription keyed by its endpoint URL; renewing
// an existing endpoint refreshes its keys.
func (r *SubscriptionSQLite) Upsert(ctx context.Context, sub cd.PushSubscription) error {
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	} else {
		created = created.UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertSubscriptionSQL, sub.Endpoint, sub.P256DH, sub.Auth, created)
	return err
}

func (r *SubscriptionSQLite) Delete(ctx context.Context, endpoint string) error {
	_, err := r.db.ExecContext(ctx, deleteSubscriptionSQL, endpoint)
	return err
}

func (r *SubscriptionSQLite) List(ctx context.Context) ([]cd.PushSubscription, error) {
	rows, err := r.db.QueryContext(ctx, selectSubscriptionsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cd.PushSubscription
	for rows.Next() {
		var sub cd.PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.P256DH, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.CreatedAt = sub.CreatedAt.UTC()
		out = append(out, sub)
	}
	return out, rows.Err()
}
