package store

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
)

// CooldownAdapter adapts Store to the cooldown.Recorder interface.
type CooldownAdapter struct {
	store *Store
}

var _ cooldown.Recorder = (*CooldownAdapter)(nil)

// NewCooldownAdapter creates a new CooldownAdapter wrapping the given Store.
func NewCooldownAdapter(s *Store) *CooldownAdapter {
	return &CooldownAdapter{store: s}
}

// RecordCooldown persists ev. Failures are only logged.
func (a *CooldownAdapter) RecordCooldown(ev cooldown.Event) {
	err := a.store.InsertCooldownEvent(&CooldownEvent{
		CredentialID:    ev.CredentialID,
		Reason:          ev.Reason.String(),
		DurationSeconds: int64(ev.Duration / time.Second),
		TriggerCount:    ev.TriggerCount,
		Timestamp:       ev.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).
			Uint64("credential_id", ev.CredentialID).
			Str("reason", ev.Reason.String()).
			Msg("persisting cooldown event failed")
	}
}
