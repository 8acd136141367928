package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
	"github.com/allaspectsdev/kirogate/internal/credential"
	"github.com/allaspectsdev/kirogate/internal/debugdump"
	"github.com/allaspectsdev/kirogate/internal/store"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 64 << 10

// CompressionSwitch toggles tool payload compression at runtime.
// *compress.ToolsMiddleware implements it.
type CompressionSwitch interface {
	SetCompression(on bool)
	CompressionEnabled() bool
}

// AdminHandler serves the operator API under /admin.
type AdminHandler struct {
	pool        *credential.Pool
	cooldowns   *cooldown.Manager
	store       *store.Store
	dumper      *debugdump.Dumper
	compression CompressionSwitch
	logger      zerolog.Logger
}

// NewAdminHandler creates an AdminHandler. st, dumper and compression may
// be nil; the routes backed by them then answer 404.
func NewAdminHandler(pool *credential.Pool, cooldowns *cooldown.Manager, st *store.Store, dumper *debugdump.Dumper, compression CompressionSwitch, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		pool:        pool,
		cooldowns:   cooldowns,
		store:       st,
		dumper:      dumper,
		compression: compression,
		logger:      logger,
	}
}

// Routes returns the admin routes, relative to the mount point.
func (a *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/credentials", a.listCredentials)
	r.Post("/credentials", a.addCredential)
	r.Delete("/credentials/{id}", a.removeCredential)
	r.Post("/credentials/{id}/disabled", a.setDisabled)
	r.Post("/credentials/{id}/priority", a.setPriority)

	r.Get("/cooldowns", a.listCooldowns)
	r.Get("/cooldowns/events", a.listCooldownEvents)
	r.Get("/cooldowns/reasons", a.listReasons)
	r.Post("/cooldowns/{id}", a.setCooldown)
	r.Delete("/cooldowns/{id}", a.clearCooldown)

	r.Get("/load-balancing", a.getLoadBalancing)
	r.Put("/load-balancing", a.putLoadBalancing)

	r.Get("/debug-mode", a.getDebugMode)
	r.Put("/debug-mode", a.putDebugMode)
	r.Get("/tool-compression", a.getCompression)
	r.Put("/tool-compression", a.putCompression)

	r.Get("/stats", a.stats)
	r.Get("/requests", a.listRequests)
	return r
}

func (a *AdminHandler) listCredentials(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": a.pool.Snapshot()})
}

type credentialBody struct {
	ID        uint64  `json:"id"`
	Name      string  `json:"name"`
	SecretRef string  `json:"secret_ref"`
	Seed      string  `json:"seed"`
	Priority  int     `json:"priority"`
	Disabled  bool    `json:"disabled"`
	Rate      float64 `json:"rate"`
	Burst     int     `json:"burst"`
}

// addCredential registers a credential at runtime. It lasts until the
// next config reload.
func (a *AdminHandler) addCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if !decodeBody(w, r, &body) {
		return
	}
	switch {
	case body.ID == 0:
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "id must be a positive integer")
		return
	case body.Name == "":
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "name is required")
		return
	case body.SecretRef == "":
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "secret_ref is required")
		return
	case body.Priority < 0 || body.Rate < 0 || body.Burst < 0:
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "priority, rate and burst must be non-negative")
		return
	}
	err := a.pool.Add(credential.Credential{
		ID:        body.ID,
		Name:      body.Name,
		SecretRef: body.SecretRef,
		Seed:      body.Seed,
		Priority:  body.Priority,
		Disabled:  body.Disabled,
		Rate:      body.Rate,
		Burst:     body.Burst,
	})
	if errors.Is(err, credential.ErrDuplicateCredential) {
		writeAnthropicError(w, http.StatusConflict, errInvalidRequest, err.Error())
		return
	}
	if err != nil {
		writeAdminLookupError(w, err)
		return
	}
	a.logger.Info().Uint64("credential_id", body.ID).Str("credential", body.Name).Msg("credential added")
	_ = writeJSON(w, http.StatusCreated, map[string]interface{}{"id": body.ID, "name": body.Name})
}

func (a *AdminHandler) removeCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := a.credentialID(w, r)
	if !ok {
		return
	}
	if err := a.pool.Remove(id); err != nil {
		writeAdminLookupError(w, err)
		return
	}
	a.logger.Info().Uint64("credential_id", id).Msg("credential removed")
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "removed": true})
}

func (a *AdminHandler) getLoadBalancing(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"mode": a.pool.Mode()})
}

func (a *AdminHandler) putLoadBalancing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode *string `json:"mode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Mode == nil || *body.Mode == "" {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "mode is required")
		return
	}
	mode, err := credential.ParseMode(*body.Mode)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	a.pool.SetMode(mode)
	a.logger.Info().Str("mode", string(mode)).Msg("load balancing changed")
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"mode": mode})
}

func (a *AdminHandler) setDisabled(w http.ResponseWriter, r *http.Request) {
	id, ok := a.credentialID(w, r)
	if !ok {
		return
	}
	var body struct {
		Disabled *bool `json:"disabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Disabled == nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "disabled is required")
		return
	}
	if err := a.pool.SetDisabled(id, *body.Disabled); err != nil {
		writeAdminLookupError(w, err)
		return
	}
	a.logger.Info().Uint64("credential_id", id).Bool("disabled", *body.Disabled).Msg("credential toggled")
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "disabled": *body.Disabled})
}

func (a *AdminHandler) setPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := a.credentialID(w, r)
	if !ok {
		return
	}
	var body struct {
		Priority *int `json:"priority"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Priority == nil || *body.Priority < 0 {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "priority must be a non-negative integer")
		return
	}
	if err := a.pool.SetPriority(id, *body.Priority); err != nil {
		writeAdminLookupError(w, err)
		return
	}
	a.logger.Info().Uint64("credential_id", id).Int("priority", *body.Priority).Msg("credential priority changed")
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "priority": *body.Priority})
}

type cooldownView struct {
	CredentialID     uint64          `json:"credential_id"`
	Reason           cooldown.Reason `json:"reason"`
	Description      string          `json:"description"`
	ElapsedSeconds   int64           `json:"elapsed_seconds"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	TriggerCount     int             `json:"trigger_count"`
}

func (a *AdminHandler) listCooldowns(w http.ResponseWriter, r *http.Request) {
	infos := a.cooldowns.AllCooldowns()
	out := make([]cooldownView, len(infos))
	for i, info := range infos {
		out[i] = cooldownView{
			CredentialID:     info.CredentialID,
			Reason:           info.Reason,
			Description:      info.Reason.Description(),
			ElapsedSeconds:   int64(info.Elapsed / time.Second),
			RemainingSeconds: int64(info.Remaining / time.Second),
			TriggerCount:     info.TriggerCount,
		}
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"cooldowns": out})
}

func (a *AdminHandler) listReasons(w http.ResponseWriter, r *http.Request) {
	type reasonView struct {
		Reason          cooldown.Reason `json:"reason"`
		Description     string          `json:"description"`
		DefaultSeconds  int64           `json:"default_seconds"`
		AutoRecoverable bool            `json:"auto_recoverable"`
	}
	var out []reasonView
	for _, reason := range cooldown.Reasons() {
		out = append(out, reasonView{
			Reason:          reason,
			Description:     reason.Description(),
			DefaultSeconds:  int64(reason.DefaultDuration() / time.Second),
			AutoRecoverable: reason.AutoRecoverable(),
		})
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"reasons": out})
}

func (a *AdminHandler) listCooldownEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "history is not recorded")
		return
	}
	var credID uint64
	if v := r.URL.Query().Get("credential_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "credential_id must be a positive integer")
			return
		}
		credID = id
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	events, err := a.store.ListCooldownEvents(credID, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("listing cooldown events")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "failed to list cooldown events")
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// setCooldown puts a credential into cooldown by hand. The body names a
// reason and may give an explicit duration in seconds.
func (a *AdminHandler) setCooldown(w http.ResponseWriter, r *http.Request) {
	id, ok := a.credentialID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason          *cooldown.Reason `json:"reason"`
		DurationSeconds int              `json:"duration_seconds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "reason is required")
		return
	}
	if !a.pool.Has(id) {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "unknown credential")
		return
	}
	if body.DurationSeconds < 0 {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "duration_seconds must be non-negative")
		return
	}
	reason := *body.Reason
	d := a.pool.ReportFailure(id, reason, time.Duration(body.DurationSeconds)*time.Second)
	a.logger.Info().
		Uint64("credential_id", id).
		Str("reason", reason.String()).
		Dur("duration", d).
		Msg("manual cooldown applied")
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"credential_id":    id,
		"reason":           reason,
		"duration_seconds": int64(d / time.Second),
	})
}

func (a *AdminHandler) clearCooldown(w http.ResponseWriter, r *http.Request) {
	id, ok := a.credentialID(w, r)
	if !ok {
		return
	}
	cleared := a.cooldowns.ClearCooldown(id)
	if cleared {
		a.logger.Info().Uint64("credential_id", id).Msg("cooldown cleared")
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"credential_id": id, "cleared": cleared})
}

type toggle struct {
	Enabled *bool `json:"enabled"`
}

func (a *AdminHandler) getDebugMode(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": a.dumper.Enabled()})
}

func (a *AdminHandler) putDebugMode(w http.ResponseWriter, r *http.Request) {
	if a.dumper == nil {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "debug dumps are not configured")
		return
	}
	var body toggle
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "enabled is required")
		return
	}
	a.dumper.SetEnabled(*body.Enabled)
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": *body.Enabled, "dump_dir": a.dumper.Dir()})
}

func (a *AdminHandler) getCompression(w http.ResponseWriter, r *http.Request) {
	enabled := a.compression != nil && a.compression.CompressionEnabled()
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": enabled})
}

func (a *AdminHandler) putCompression(w http.ResponseWriter, r *http.Request) {
	if a.compression == nil {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "tool shaping is not configured")
		return
	}
	var body toggle
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "enabled is required")
		return
	}
	a.compression.SetCompression(*body.Enabled)
	a.logger.Info().Bool("enabled", *body.Enabled).Msg("tool compression changed")
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": *body.Enabled})
}

// stats returns request and cooldown aggregates. since is an RFC 3339
// time and defaults to 24 hours ago.
func (a *AdminHandler) stats(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "history is not recorded")
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}
	reqStats, err := a.store.GetRequestStats(since)
	if err != nil {
		a.logger.Error().Err(err).Msg("reading request stats")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "failed to read stats")
		return
	}
	byReason, err := a.store.CountCooldownsByReason(since)
	if err != nil {
		a.logger.Error().Err(err).Msg("counting cooldowns")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "failed to read stats")
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":               since.UTC().Format(time.RFC3339),
		"requests":            reqStats,
		"cooldowns_by_reason": byReason,
	})
}

func (a *AdminHandler) listRequests(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", "history is not recorded")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	if limit == 0 {
		limit = 50
	}
	reqs, err := a.store.ListRequests(limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("listing requests")
		writeAnthropicError(w, http.StatusInternalServerError, errAPI, "failed to list requests")
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (a *AdminHandler) credentialID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "credential id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, errInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeAdminLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, credential.ErrUnknownCredential) {
		writeAnthropicError(w, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	writeAnthropicError(w, http.StatusInternalServerError, errAPI, err.Error())
}
