// Package push delivers native notifications to an organization's browsers
// via Web Push (VAPID). Subscriptions are registered by the dashboard and
// stored in Postgres.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/notify"
)

// Subscription is one browser push endpoint belonging to an organization.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	OrgID     string    `json:"org_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	pgPool *pgxpool.Pool
}

func NewStore(pgPool *pgxpool.Pool) *Store {
	return &Store{pgPool: pgPool}
}

func (s *Store) Save(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	_, err := s.pgPool.Exec(ctx,
		`INSERT INTO push_subscriptions (id, org_id, endpoint, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		 ON CONFLICT (org_id, endpoint)
		 DO UPDATE SET p256dh = $4, auth = $5`,
		sub.ID, sub.OrgID, sub.Endpoint, sub.P256dh, sub.Auth)
	return errors.Wrap(err, "failed to save push subscription")
}

func (s *Store) Delete(ctx context.Context, orgID string, id uuid.UUID) error {
	_, err := s.pgPool.Exec(ctx,
		"DELETE FROM push_subscriptions WHERE id = $1 AND org_id = $2", id, orgID)
	return errors.Wrap(err, "failed to delete push subscription")
}

func (s *Store) deleteByEndpoint(ctx context.Context, orgID, endpoint string) error {
	_, err := s.pgPool.Exec(ctx,
		"DELETE FROM push_subscriptions WHERE org_id = $1 AND endpoint = $2", orgID, endpoint)
	return errors.Wrap(err, "failed to delete push subscription")
}

func (s *Store) ListByOrg(ctx context.Context, orgID string) ([]Subscription, error) {
	rows, err := s.pgPool.Query(ctx,
		`SELECT id, org_id, endpoint, p256dh, auth, created_at
		 FROM push_subscriptions WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query push subscriptions")
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.OrgID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan push subscription")
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// HasAny reports whether the organization has at least one registered
// endpoint. Used as the notification permission decision.
func (s *Store) HasAny(ctx context.Context, orgID string) (bool, error) {
	var exists bool
	err := s.pgPool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM push_subscriptions WHERE org_id = $1)", orgID).Scan(&exists)
	return exists, errors.Wrap(err, "failed to check push subscriptions")
}

type Sender struct {
	store           *Store
	vapidPublicKey  string
	vapidPrivateKey string
	subject         string
	logger          *zap.Logger
}

func NewSender(store *Store, vapidPublicKey, vapidPrivateKey, subject string, logger *zap.Logger) *Sender {
	return &Sender{
		store:           store,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subject:         subject,
		logger:          logger,
	}
}

// Deliver sends the notification to every endpoint of its organization.
// Endpoints the push service reports gone are pruned. Satisfies
// notify.DeliverFunc.
func (s *Sender) Deliver(ctx context.Context, n notify.Notification) error {
	subs, err := s.store.ListByOrg(ctx, n.OrgID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification payload")
	}

	for _, sub := range subs {
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}
		resp, err := webpush.SendNotification(payload, target, &webpush.Options{
			Subscriber:      s.subject,
			VAPIDPublicKey:  s.vapidPublicKey,
			VAPIDPrivateKey: s.vapidPrivateKey,
			TTL:             60,
		})
		if err != nil {
			s.logger.Warn("push delivery failed",
				zap.String("org_id", n.OrgID),
				zap.Error(err))
			continue
		}
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := s.store.deleteByEndpoint(ctx, sub.OrgID, sub.Endpoint); err != nil {
				s.logger.Warn("failed to prune dead push endpoint", zap.Error(err))
			}
		}
		resp.Body.Close()
	}
	return nil
}
