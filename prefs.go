package offlinekit

import (
	"context"
	"encoding/json"
	"time"

	syncErrors "github.com/thriftline/offlinekit/errors"
)

// UserPreferences holds one user's display and notification preferences
// plus the LastSyncTimestamp watermark. A record is created on first
// access and updated on preference change or successful sync.
type UserPreferences struct {
	UserID            string    `json:"user_id"`
	Theme             string    `json:"theme"`
	NotifyEmail       bool      `json:"notify_email"`
	NotifySMS         bool      `json:"notify_sms"`
	NotifyWhatsApp    bool      `json:"notify_whatsapp"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
}

// PreferenceStore reads and writes UserPreferences through the durable
// store's preferences collection.
type PreferenceStore struct {
	store DurableStore
}

func NewPreferenceStore(store DurableStore) *PreferenceStore {
	return &PreferenceStore{store: store}
}

// Get returns the user's preferences, creating and persisting a default
// record on first access.
func (p *PreferenceStore) Get(ctx context.Context, userID string) (*UserPreferences, error) {
	rec, err := p.store.Get(ctx, CollectionPreferences, userID)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		prefs := &UserPreferences{
			UserID:      userID,
			Theme:       "light",
			NotifyEmail: true,
		}
		if err := p.Save(ctx, prefs); err != nil {
			return nil, err
		}
		return prefs, nil
	}

	var prefs UserPreferences
	if err := json.Unmarshal(rec.Data, &prefs); err != nil {
		return nil, syncErrors.NewValidation(syncErrors.OpGet, err)
	}
	return &prefs, nil
}

// Save upserts the preferences record.
func (p *PreferenceStore) Save(ctx context.Context, prefs *UserPreferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpPut, err)
	}
	return p.store.Put(ctx, CollectionPreferences, Record{
		ID:   prefs.UserID,
		Data: data,
	})
}

// TouchLastSync advances the user's sync watermark.
func (p *PreferenceStore) TouchLastSync(ctx context.Context, userID string, t time.Time) error {
	prefs, err := p.Get(ctx, userID)
	if err != nil {
		return err
	}
	prefs.LastSyncTimestamp = t
	return p.Save(ctx, prefs)
}
