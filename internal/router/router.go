// Package router validates, authorizes, applies, and broadcasts every frame.
//
// The router is the single locus of message handling: the connection
// supervisor hands it raw inbound frames and connection lifecycle events, and
// it drives the registry, fan-out index, identity store, TTS pipeline, and
// cost trackers in response. Session-scoped frames are serialized through a
// per-session lock so apply-then-broadcast is atomic relative to other frames
// in the same session; distinct sessions proceed in parallel.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lingocast/lingocast/internal/apperr"
	"github.com/lingocast/lingocast/internal/cost"
	"github.com/lingocast/lingocast/internal/fanout"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/observe"
	"github.com/lingocast/lingocast/internal/protocol"
	"github.com/lingocast/lingocast/internal/registry"
	"github.com/lingocast/lingocast/internal/tokencache"
	"github.com/lingocast/lingocast/internal/tts"
	"github.com/lingocast/lingocast/pkg/provider/idp"
	"github.com/lingocast/lingocast/pkg/types"
)

// Config parameterizes a [Router].
type Config struct {
	// BaseURL prefixes the signed audio paths embedded in broadcasts.
	BaseURL string

	// TokenWarnBefore is how far ahead of access-token expiry the admin gets
	// a token-expiry-warning frame.
	TokenWarnBefore time.Duration

	// Prices are the unit prices fed to each session's cost tracker.
	Prices cost.Prices

	// AlarmHourlyUSD is the projected-hourly-spend threshold for cost alerts.
	AlarmHourlyUSD float64

	// AlarmCooldown throttles repeated cost alerts per session.
	AlarmCooldown time.Duration

	// Metrics receives the router's counters. Optional.
	Metrics *observe.Metrics
}

// connState is the router's book-keeping for one connection.
type connState struct {
	client Client
	role   Role

	// Admin connections, once authenticated.
	adminID     string
	username    string
	warnTimer   *time.Timer
	expireTimer *time.Timer

	// Listener connections, once joined.
	sessionID string
	caps      types.AudioCapabilities
}

// Router wires the components together. Safe for concurrent use.
type Router struct {
	cfg      Config
	provider idp.Provider
	ids      identity.Store
	tokens   *tokencache.Cache
	reg      *registry.Registry
	index    *fanout.Index
	pipeline *tts.Pipeline
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	conns        map[string]*connState
	adminConns   map[string]map[string]struct{}
	sessionLocks map[string]*sync.Mutex
	trackers     map[string]*cost.Tracker
	shuttingDown bool
}

// New creates a Router over the given components.
func New(cfg Config, provider idp.Provider, ids identity.Store, tokens *tokencache.Cache,
	reg *registry.Registry, index *fanout.Index, pipeline *tts.Pipeline, logger *slog.Logger) *Router {
	return &Router{
		cfg:          cfg,
		provider:     provider,
		ids:          ids,
		tokens:       tokens,
		reg:          reg,
		index:        index,
		pipeline:     pipeline,
		logger:       logger,
		now:          time.Now,
		conns:        make(map[string]*connState),
		adminConns:   make(map[string]map[string]struct{}),
		sessionLocks: make(map[string]*sync.Mutex),
		trackers:     make(map[string]*cost.Tracker),
	}
}

// Register announces a freshly accepted connection.
func (r *Router) Register(c Client, role Role) {
	r.mu.Lock()
	r.conns[c.ID()] = &connState{client: c, role: role}
	r.mu.Unlock()
	r.logger.Debug("connection registered", "conn_id", c.ID(), "role", role)
}

// IsReady reports whether the connection has completed its opening handshake:
// admins must have authenticated, listeners must have joined a session. The
// supervisor drops connections that are not ready when the grace window ends.
func (r *Router) IsReady(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[connID]
	if !ok {
		return false
	}
	if cs.role == RoleAdmin {
		return cs.adminID != ""
	}
	return cs.sessionID != ""
}

// Disconnect releases everything a closed connection held: token bindings,
// fan-out subscriptions, registry links, and expiry timers.
func (r *Router) Disconnect(connID string) {
	r.mu.Lock()
	cs, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if cs.adminID != "" {
		if set := r.adminConns[cs.adminID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.adminConns, cs.adminID)
			}
		}
	}
	r.mu.Unlock()

	stopTimers(cs)
	r.tokens.Drop(connID)

	if cs.role == RoleListener && cs.sessionID != "" {
		r.index.Unsubscribe(cs.sessionID, connID)
		r.reg.RemoveListener(cs.sessionID, connID)
	}
	if cs.role == RoleAdmin && cs.adminID != "" {
		// The session survives an admin disconnect; only the connection slot
		// is cleared.
		for _, s := range r.reg.List() {
			if s.AdminConnID == connID {
				r.reg.ClearAdminConn(s.ID, connID)
			}
		}
	}
	r.logger.Debug("connection released", "conn_id", connID, "role", cs.role)
}

// HandleFrame processes one raw inbound frame from a connection. All failures
// are reported to the sender as error frames; HandleFrame itself never fails.
func (r *Router) HandleFrame(ctx context.Context, connID string, data []byte) {
	cs, ok := r.conn(connID)
	if !ok {
		return
	}

	frame, err := protocol.Parse(data)
	if err != nil {
		r.sendError(cs, err)
		return
	}

	switch f := frame.(type) {
	case protocol.AdminAuth:
		r.handleAdminAuth(ctx, cs, f)
	case protocol.StartSession:
		r.requireAdmin(cs, func(adminID string) { r.handleStartSession(cs, adminID, f) })
	case protocol.EndSession:
		r.requireAdmin(cs, func(adminID string) { r.handleEndSession(cs, adminID, f) })
	case protocol.PauseSession:
		r.requireAdmin(cs, func(adminID string) { r.handlePause(cs, adminID, f) })
	case protocol.ResumeSession:
		r.requireAdmin(cs, func(adminID string) { r.handleResume(cs, adminID, f) })
	case protocol.UpdateSessionConfig:
		r.requireAdmin(cs, func(adminID string) { r.handleUpdateConfig(cs, adminID, f) })
	case protocol.Translation:
		r.requireAdmin(cs, func(adminID string) { r.handleTranslation(ctx, cs, adminID, f) })
	case protocol.JoinSession:
		r.requireListener(cs, func() { r.handleJoin(cs, f) })
	case protocol.ChangeLanguage:
		r.requireListener(cs, func() { r.handleChangeLanguage(cs, f) })
	case protocol.LeaveSession:
		r.requireListener(cs, func() { r.handleLeave(cs, f) })
	default:
		r.sendError(cs, apperr.Newf(apperr.CodeMalformedFrame, "frame %q is not accepted here", frame.FrameType()))
	}
}

// requireAdmin runs fn with the connection's admin identity, or rejects.
func (r *Router) requireAdmin(cs *connState, fn func(adminID string)) {
	if cs.role != RoleAdmin {
		r.sendError(cs, apperr.New(apperr.CodeForbidden, "frame requires an admin connection"))
		return
	}
	r.mu.Lock()
	adminID := cs.adminID
	r.mu.Unlock()
	if adminID == "" {
		r.sendError(cs, apperr.New(apperr.CodeForbidden, "connection is not authenticated"))
		return
	}
	// The token binding is the source of truth for admin authority: when it
	// has lapsed, the connection must re-authenticate even if the expiry
	// timer was lost.
	if _, ok := r.tokens.Lookup(cs.client.ID()); !ok {
		r.sendError(cs, apperr.New(apperr.CodeTokenExpired, "access token binding expired; re-authenticate"))
		return
	}
	fn(adminID)
}

// requireListener runs fn, or rejects admin connections sending listener
// frames.
func (r *Router) requireListener(cs *connState, fn func()) {
	if cs.role != RoleListener {
		r.sendError(cs, apperr.New(apperr.CodeForbidden, "frame requires a listener connection"))
		return
	}
	fn()
}

// ── Admin authentication ──────────────────────────────────────────────────────

func (r *Router) handleAdminAuth(ctx context.Context, cs *connState, f protocol.AdminAuth) {
	var (
		res *idp.AuthResult
		err error
	)
	switch f.Method {
	case protocol.AuthCredentials:
		res, err = r.provider.AuthenticateCredentials(ctx, f.Username, f.Password)
	case protocol.AuthToken:
		res, err = r.provider.AuthenticateToken(ctx, f.AccessToken)
	case protocol.AuthRefresh:
		var tokens *idp.Tokens
		tokens, err = r.provider.Refresh(ctx, f.RefreshToken)
		if err == nil {
			res, err = r.provider.AuthenticateToken(ctx, tokens.AccessToken)
			if err == nil {
				res.Tokens = *tokens
			}
		}
	}
	if err != nil {
		r.cfg.Metrics.RecordAuthAttempt(ctx, string(f.Method), "failure")
		r.failAuth(cs, f.Method, err)
		return
	}
	r.cfg.Metrics.RecordAuthAttempt(ctx, string(f.Method), "success")

	rec, err := r.ids.Ensure(res.Identity)
	if err != nil {
		r.logger.Error("identity persistence failed during auth", "admin_id", res.Identity.AdminID, "error", err)
		r.sendError(cs, apperr.Wrap(apperr.CodePersistence, "identity store write failed", err))
		return
	}

	connID := cs.client.ID()
	r.tokens.Bind(connID, tokencache.Binding{
		AdminID:     rec.ID,
		Username:    rec.Username,
		AccessToken: res.Tokens.AccessToken,
		ExpiresAt:   res.Tokens.ExpiresAt,
	})

	r.mu.Lock()
	stopTimers(cs)
	cs.adminID = rec.ID
	cs.username = rec.Username
	set := r.adminConns[rec.ID]
	if set == nil {
		set = make(map[string]struct{})
		r.adminConns[rec.ID] = set
	}
	set[connID] = struct{}{}
	r.scheduleTokenTimersLocked(cs, res.Tokens.ExpiresAt)
	r.mu.Unlock()

	r.deliver(cs, protocol.AdminAuthResponse{
		Type:          protocol.TypeAdminAuthResponse,
		Success:       true,
		AdminID:       rec.ID,
		DisplayName:   rec.Username,
		AccessToken:   res.Tokens.AccessToken,
		RefreshToken:  res.Tokens.RefreshToken,
		ExpiresAt:     res.Tokens.ExpiresAt.UnixMilli(),
		OwnedSessions: rec.OwnedSessions,
	})
	r.logger.Info("admin authenticated", "conn_id", connID, "admin_id", rec.ID, "method", f.Method)
}

// failAuth maps an identity-provider failure onto the wire. A provider outage
// during token validation closes the connection with a session-expired
// notice; everything else is a retryable auth response.
func (r *Router) failAuth(cs *connState, method protocol.AuthMethod, err error) {
	if method != protocol.AuthCredentials && errors.Is(err, idp.ErrUnavailable) {
		r.logger.Warn("identity provider unavailable during token validation", "conn_id", cs.client.ID(), "error", err)
		r.deliver(cs, protocol.SessionExpired{
			Type:   protocol.TypeSessionExpired,
			Reason: "identity provider unavailable",
		})
		cs.client.Kick("identity provider unavailable")
		return
	}

	ae := apperr.From(authError(err))
	r.deliver(cs, protocol.AdminAuthResponse{
		Type:         protocol.TypeAdminAuthResponse,
		Success:      false,
		ErrorCode:    string(ae.Code),
		ErrorMessage: ae.UserMessage(),
	})
	r.logger.Info("admin authentication failed", "conn_id", cs.client.ID(), "method", method, "code", ae.Code)
}

// authError translates idp sentinels into taxonomy errors.
func authError(err error) error {
	switch {
	case errors.Is(err, idp.ErrInvalidCredentials), errors.Is(err, idp.ErrUserNotFound):
		return apperr.Wrap(apperr.CodeInvalidCredentials, "authentication rejected", err)
	case errors.Is(err, idp.ErrTokenExpired):
		return apperr.Wrap(apperr.CodeTokenExpired, "access token expired", err)
	case errors.Is(err, idp.ErrTokenInvalid):
		return apperr.Wrap(apperr.CodeTokenInvalid, "access token invalid", err)
	case errors.Is(err, idp.ErrRefreshExpired):
		return apperr.Wrap(apperr.CodeRefreshExpired, "refresh token expired", err)
	case errors.Is(err, idp.ErrUnavailable):
		return apperr.Wrap(apperr.CodeIdPUnavailable, "identity provider unavailable", err)
	default:
		return apperr.Wrap(apperr.CodeInternal, "authentication failed", err)
	}
}

// scheduleTokenTimersLocked arms the expiry warning and the hard cutoff for
// an authenticated admin connection. Must be called with r.mu held.
func (r *Router) scheduleTokenTimersLocked(cs *connState, expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}
	connID := cs.client.ID()
	until := expiresAt.Sub(r.now())

	if warnIn := until - r.cfg.TokenWarnBefore; warnIn > 0 {
		cs.warnTimer = time.AfterFunc(warnIn, func() {
			if cs, ok := r.conn(connID); ok {
				r.deliver(cs, protocol.NewTokenExpiryWarning(expiresAt, r.now()))
			}
		})
	}
	if until > 0 {
		cs.expireTimer = time.AfterFunc(until, func() {
			cs, ok := r.conn(connID)
			if !ok {
				return
			}
			r.deliver(cs, protocol.SessionExpired{
				Type:   protocol.TypeSessionExpired,
				Reason: "access token expired",
			})
			cs.client.Kick("access token expired")
		})
	}
}

// stopTimers cancels a connection's token timers. The timers only ever point
// at their own connState, so no router lock is needed.
func stopTimers(cs *connState) {
	if cs.warnTimer != nil {
		cs.warnTimer.Stop()
		cs.warnTimer = nil
	}
	if cs.expireTimer != nil {
		cs.expireTimer.Stop()
		cs.expireTimer = nil
	}
}

// ── Session lifecycle (admin) ─────────────────────────────────────────────────

func (r *Router) handleStartSession(cs *connState, adminID string, f protocol.StartSession) {
	s, err := r.reg.Create(adminID, f.SessionID, f.Config)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}

	if err := r.ids.AddOwnedSession(adminID, s.ID); err != nil {
		r.logger.Error("owned-session link failed", "session_id", s.ID, "error", err)
		r.sendError(cs, apperr.Wrap(apperr.CodePersistence, "identity store write failed", err))
		return
	}
	if _, err := r.reg.SetAdminConn(s.ID, adminID, cs.client.ID()); err != nil {
		r.sendError(cs, registryError(err))
		return
	}

	r.mu.Lock()
	r.sessionLocks[s.ID] = &sync.Mutex{}
	r.trackers[s.ID] = cost.NewTracker(r.cfg.Prices, r.cfg.AlarmHourlyUSD, r.cfg.AlarmCooldown, func(rate float64) {
		r.broadcastToAdmin(adminID, protocol.CostAlert{
			Type:               protocol.TypeCostAlert,
			SessionID:          s.ID,
			ProjectedHourlyUSD: rate,
			ThresholdUSD:       r.cfg.AlarmHourlyUSD,
		})
	})
	r.mu.Unlock()

	r.cfg.Metrics.SessionStarted(context.Background())
	r.broadcastToAdmin(adminID, r.statusUpdate(s))
	r.logger.Info("session started", "session_id", s.ID, "admin_id", adminID)
}

func (r *Router) handleEndSession(cs *connState, adminID string, f protocol.EndSession) {
	if !r.authorizeOwner(cs, adminID, f.SessionID) {
		return
	}
	lock := r.sessionLock(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.reg.Transition(f.SessionID, types.StatusEnding)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}

	// Everyone hears the session is going away before resources are released.
	update := r.statusUpdate(s)
	r.broadcastToAdmin(adminID, update)
	for _, cl := range r.clientsFor(r.index.SnapshotAll(s.ID)) {
		r.deliver(cl, update)
	}

	for _, listenerID := range r.index.SnapshotAll(s.ID) {
		r.clearListenerSession(listenerID)
		r.reg.RemoveListener(s.ID, listenerID)
	}
	r.index.DropSession(s.ID)

	s, err = r.reg.Transition(f.SessionID, types.StatusEnded)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}
	r.broadcastToAdmin(adminID, r.statusUpdate(s))

	if err := r.ids.RemoveOwnedSession(adminID, s.ID); err != nil {
		r.logger.Error("owned-session unlink failed", "session_id", s.ID, "error", err)
	}

	r.mu.Lock()
	tracker := r.trackers[s.ID]
	delete(r.trackers, s.ID)
	delete(r.sessionLocks, s.ID)
	r.mu.Unlock()
	if tracker != nil {
		final := tracker.Freeze()
		r.logger.Info("session cost summary",
			"session_id", s.ID, "total_usd", final.TotalUSD, "services", final.Services)
	}
	r.cfg.Metrics.SessionEnded(context.Background())
	r.logger.Info("session ended", "session_id", s.ID, "admin_id", adminID)
}

// handlePause suspends a session's broadcasts. Listeners keep their
// membership and language subscriptions; translations are rejected until the
// session resumes.
func (r *Router) handlePause(cs *connState, adminID string, f protocol.PauseSession) {
	r.setStatus(cs, adminID, f.SessionID, types.StatusPaused)
}

// handleResume returns a paused session to active.
func (r *Router) handleResume(cs *connState, adminID string, f protocol.ResumeSession) {
	r.setStatus(cs, adminID, f.SessionID, types.StatusActive)
}

// setStatus transitions an owned session and announces the new status to the
// admin and every listener.
func (r *Router) setStatus(cs *connState, adminID, sessionID string, to types.SessionStatus) {
	if !r.authorizeOwner(cs, adminID, sessionID) {
		return
	}
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.reg.Transition(sessionID, to)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}
	update := r.statusUpdate(s)
	r.broadcastToAdmin(adminID, update)
	for _, cl := range r.clientsFor(r.index.SnapshotAll(s.ID)) {
		r.deliver(cl, update)
	}
	r.logger.Info("session status changed", "session_id", s.ID, "status", to, "admin_id", adminID)
}

func (r *Router) handleUpdateConfig(cs *connState, adminID string, f protocol.UpdateSessionConfig) {
	if !r.authorizeOwner(cs, adminID, f.SessionID) {
		return
	}
	lock := r.sessionLock(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, removed, err := r.reg.UpdateConfig(f.SessionID, f.Config)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}

	// Listeners of a removed language are told to pick another; their
	// connection and session membership stay intact.
	byLang := make(map[types.Language][]string, len(removed))
	for _, lang := range removed {
		byLang[lang] = r.index.Snapshot(s.ID, lang)
	}
	r.index.RemoveLanguages(s.ID, removed)
	for _, lang := range removed {
		frame := protocol.LanguageRemoved{
			Type:               protocol.TypeLanguageRemoved,
			SessionID:          s.ID,
			RemovedLanguage:    lang,
			AvailableLanguages: s.Config.TargetLanguages,
		}
		for _, cl := range r.clientsFor(byLang[lang]) {
			r.deliver(cl, frame)
		}
	}

	// Every subscriber sees the new configuration. Config updates
	// happen-before the next translation because both run under the session
	// lock.
	meta := r.metadata(s)
	for _, listenerID := range r.sessionListeners(s.ID) {
		if cl, ok := r.conn(listenerID); ok {
			r.deliver(cl, meta)
		}
	}
	r.broadcastToAdmin(adminID, r.statusUpdate(s))
	r.logger.Info("session config updated", "session_id", s.ID, "removed_languages", removed)
}

func (r *Router) handleTranslation(ctx context.Context, cs *connState, adminID string, f protocol.Translation) {
	if !r.authorizeOwner(cs, adminID, f.SessionID) {
		return
	}
	lock := r.sessionLock(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.reg.Get(f.SessionID)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}
	if s.Status == types.StatusEnding || s.Status.Terminal() {
		r.sendError(cs, apperr.Newf(apperr.CodeSessionNotFound, "session %s is %s", s.ID, s.Status))
		return
	}
	if s.Status == types.StatusPaused {
		r.sendError(cs, apperr.Newf(apperr.CodeForbidden, "session %s is paused", s.ID))
		return
	}
	if !s.Config.HasTarget(f.Language) {
		r.sendError(cs, apperr.Newf(apperr.CodeUnsupportedLanguage,
			"language %q is not in the session's target set", f.Language))
		return
	}

	// The first translation marks the session active.
	if s.Status == types.StatusStarted {
		if s, err = r.reg.Transition(s.ID, types.StatusActive); err == nil {
			r.broadcastToAdmin(adminID, r.statusUpdate(s))
		}
	}

	r.cfg.Metrics.RecordTranslation(ctx, string(f.Language))
	tracker := r.tracker(s.ID)
	if tracker != nil {
		tracker.Record(cost.ServiceTranslation, int64(len([]rune(f.Text))))
	}

	res := r.pipeline.Resolve(ctx, tts.Request{
		Text:     f.Text,
		Language: f.Language,
		Mode:     s.Config.TTSMode,
		Quality:  s.Config.AudioQuality,
	}, tracker)

	base := protocol.TranslationBroadcast{
		Type:           protocol.TypeTranslation,
		SessionID:      s.ID,
		Language:       f.Language,
		Text:           f.Text,
		Timestamp:      f.Timestamp,
		SequenceNumber: f.SequenceNumber,
	}
	for _, listenerID := range r.index.Snapshot(s.ID, f.Language) {
		cl, ok := r.conn(listenerID)
		if !ok {
			continue
		}
		frame := base
		frame.AudioURL, frame.UseLocalTTS = r.audioHint(res, cl.caps, f.Language)
		kind := "none"
		switch {
		case frame.AudioURL != "":
			kind = "url"
		case frame.UseLocalTTS:
			kind = "local"
		}
		r.cfg.Metrics.RecordBroadcast(ctx, string(f.Language), kind)
		r.deliver(cl, frame)
	}
	r.reg.Touch(s.ID)
}

// audioHint degrades the pipeline's resolution per listener: a listener that
// cannot play fetched audio or synthesise locally falls through to text-only.
func (r *Router) audioHint(res tts.Resolution, caps types.AudioCapabilities, lang types.Language) (audioURL string, useLocal bool) {
	if res.AudioPath != "" && caps.SupportsPlayback {
		return r.cfg.BaseURL + res.AudioPath, false
	}
	if (res.UseLocalSynthesis || res.AudioPath != "") && caps.CanSynthesise(lang) {
		return "", true
	}
	return "", false
}

// ── Listener frames ───────────────────────────────────────────────────────────

func (r *Router) handleJoin(cs *connState, f protocol.JoinSession) {
	lock := r.sessionLock(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.reg.Get(f.SessionID)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}
	if s.Status == types.StatusEnding || s.Status.Terminal() {
		r.sendError(cs, apperr.Newf(apperr.CodeSessionNotFound, "session %s is %s", s.ID, s.Status))
		return
	}
	if !s.Config.HasTarget(f.PreferredLanguage) {
		r.sendError(cs, apperr.Newf(apperr.CodeUnsupportedLanguage,
			"language %q is not offered by this session", f.PreferredLanguage))
		return
	}

	connID := cs.client.ID()
	s, err = r.reg.AddListener(f.SessionID, connID)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}
	r.index.Subscribe(s.ID, connID, f.PreferredLanguage)

	r.mu.Lock()
	cs.sessionID = s.ID
	cs.caps = f.AudioCapabilities
	r.mu.Unlock()

	r.deliver(cs, r.metadata(s))
	r.logger.Info("listener joined", "conn_id", connID, "session_id", s.ID, "language", f.PreferredLanguage)
}

func (r *Router) handleChangeLanguage(cs *connState, f protocol.ChangeLanguage) {
	lock := r.sessionLock(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if !r.isMember(cs, f.SessionID) {
		r.sendError(cs, apperr.New(apperr.CodeForbidden, "connection has not joined this session"))
		return
	}
	s, err := r.reg.Get(f.SessionID)
	if err != nil {
		r.sendError(cs, registryError(err))
		return
	}
	if !s.Config.HasTarget(f.NewLanguage) {
		r.sendError(cs, apperr.Newf(apperr.CodeUnsupportedLanguage,
			"language %q is not offered by this session", f.NewLanguage))
		return
	}

	connID := cs.client.ID()
	if !r.index.ChangeLanguage(s.ID, connID, f.NewLanguage) {
		// The listener had no bucket, typically after its language was
		// removed from the configuration. Still a member, so re-subscribe.
		r.index.Subscribe(s.ID, connID, f.NewLanguage)
	}
	r.logger.Debug("listener changed language", "conn_id", connID, "session_id", s.ID, "language", f.NewLanguage)
}

func (r *Router) handleLeave(cs *connState, f protocol.LeaveSession) {
	// The session lock serializes the caps reset against broadcasts that read
	// the listener's capabilities while fanning out.
	lock := r.sessionLock(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if !r.isMember(cs, f.SessionID) {
		r.sendError(cs, apperr.New(apperr.CodeForbidden, "connection has not joined this session"))
		return
	}
	connID := cs.client.ID()
	r.index.Unsubscribe(f.SessionID, connID)
	r.reg.RemoveListener(f.SessionID, connID)
	r.mu.Lock()
	cs.sessionID = ""
	cs.caps = types.AudioCapabilities{}
	r.mu.Unlock()
	r.logger.Info("listener left", "conn_id", connID, "session_id", f.SessionID)
}

// ── Shutdown and stats ────────────────────────────────────────────────────────

// Shutdown broadcasts a terminal status to every connection. Sessions are
// deliberately left non-terminal on disk so a restart inside the rehydrate
// window recovers them.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	states := make([]*connState, 0, len(r.conns))
	for _, cs := range r.conns {
		states = append(states, cs)
	}
	r.mu.Unlock()

	for _, s := range r.reg.List() {
		update := protocol.SessionStatusUpdate{
			Type:        protocol.TypeSessionStatusUpdate,
			SessionID:   s.ID,
			Status:      types.StatusEnding,
			ClientCount: len(s.Listeners),
		}
		r.broadcastToAdmin(s.OwnerAdminID, update)
		for _, cl := range r.clientsFor(r.index.SnapshotAll(s.ID)) {
			r.deliver(cl, update)
		}
	}
	r.logger.Info("router shutdown broadcast complete", "connections", len(states))
}

// Stats is the router's live census, reported by the health endpoint.
type Stats struct {
	Connections     int `json:"connections"`
	AdminConns      int `json:"adminConnections"`
	ListenerConns   int `json:"listenerConnections"`
	ActiveSessions  int `json:"activeSessions"`
	TrackedSessions int `json:"trackedSessions"`
	TokenBindings   int `json:"tokenBindings"`
}

// Snapshot returns the current connection and session counts.
func (r *Router) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		Connections:     len(r.conns),
		TrackedSessions: len(r.trackers),
		TokenBindings:   r.tokens.Len(),
	}
	for _, cs := range r.conns {
		if cs.role == RoleAdmin {
			st.AdminConns++
		} else {
			st.ListenerConns++
		}
	}
	st.ActiveSessions = len(r.reg.List())
	return st
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (r *Router) conn(connID string) (*connState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[connID]
	return cs, ok
}

func (r *Router) isMember(cs *connState, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cs.sessionID == sessionID
}

// authorizeOwner checks that the session exists and belongs to the acting
// admin, reporting the appropriate error frame otherwise.
func (r *Router) authorizeOwner(cs *connState, adminID, sessionID string) bool {
	if sessionID == "" {
		r.sendError(cs, apperr.New(apperr.CodeMissingField, "sessionId is required"))
		return false
	}
	s, err := r.reg.Get(sessionID)
	if err != nil {
		r.sendError(cs, registryError(err))
		return false
	}
	if s.OwnerAdminID != adminID {
		r.sendError(cs, apperr.Newf(apperr.CodeNotOwner, "session %s belongs to another admin", sessionID))
		return false
	}
	// Any owned-session frame re-binds the current admin connection slot, so
	// a reconnected admin resumes without an explicit resume frame.
	if s.AdminConnID != cs.client.ID() {
		if _, err := r.reg.SetAdminConn(sessionID, adminID, cs.client.ID()); err != nil {
			r.sendError(cs, registryError(err))
			return false
		}
	}
	return true
}

// sessionLock returns the serialization lock for a session, creating it on
// demand (rehydrated sessions have no lock until first touched).
func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.sessionLocks[sessionID]; ok {
		return l
	}
	// Unknown IDs get a throwaway lock so join spam cannot grow the map; the
	// handler then fails its own registry lookup.
	if _, err := r.reg.Get(sessionID); err != nil {
		return &sync.Mutex{}
	}
	l := &sync.Mutex{}
	r.sessionLocks[sessionID] = l
	return l
}

// tracker returns the session's cost tracker, creating one for rehydrated
// sessions on first use.
func (r *Router) tracker(sessionID string) *cost.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[sessionID]
	if !ok {
		s, err := r.reg.Get(sessionID)
		if err != nil {
			return nil
		}
		owner := s.OwnerAdminID
		t = cost.NewTracker(r.cfg.Prices, r.cfg.AlarmHourlyUSD, r.cfg.AlarmCooldown, func(rate float64) {
			r.broadcastToAdmin(owner, protocol.CostAlert{
				Type:               protocol.TypeCostAlert,
				SessionID:          sessionID,
				ProjectedHourlyUSD: rate,
				ThresholdUSD:       r.cfg.AlarmHourlyUSD,
			})
		})
		r.trackers[sessionID] = t
	}
	return t
}

// sessionListeners returns the session's listener connection IDs from the
// registry, which includes members whose language bucket was removed.
func (r *Router) sessionListeners(sessionID string) []string {
	s, err := r.reg.Get(sessionID)
	if err != nil {
		return nil
	}
	return s.Listeners
}

func (r *Router) clientsFor(connIDs []string) []*connState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*connState, 0, len(connIDs))
	for _, id := range connIDs {
		if cs, ok := r.conns[id]; ok {
			out = append(out, cs)
		}
	}
	return out
}

// broadcastToAdmin sends a frame to every live connection authenticated as
// the admin, not just the current session slot.
func (r *Router) broadcastToAdmin(adminID string, f protocol.Frame) {
	r.mu.Lock()
	var targets []*connState
	for connID := range r.adminConns[adminID] {
		if cs, ok := r.conns[connID]; ok {
			targets = append(targets, cs)
		}
	}
	r.mu.Unlock()
	for _, cs := range targets {
		r.deliver(cs, f)
	}
}

// deliver enqueues a frame, disconnecting the connection when its outbound
// queue overflows so one slow client never blocks a broadcast.
func (r *Router) deliver(cs *connState, f protocol.Frame) {
	if cs.client.Send(f) {
		return
	}
	r.logger.Warn("outbound queue overflow, disconnecting", "conn_id", cs.client.ID())
	cs.client.Kick("outbound queue overflow")
	r.Disconnect(cs.client.ID())
}

func (r *Router) sendError(cs *connState, err error) {
	r.cfg.Metrics.RecordRejectedFrame(context.Background(), string(apperr.CodeOf(err)))
	r.deliver(cs, protocol.NewErrorFrame(err))
}

func (r *Router) clearListenerSession(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.conns[connID]; ok && cs.role == RoleListener {
		cs.sessionID = ""
	}
}

func (r *Router) statusUpdate(s *registry.Session) protocol.SessionStatusUpdate {
	return protocol.SessionStatusUpdate{
		Type:        protocol.TypeSessionStatusUpdate,
		SessionID:   s.ID,
		Status:      s.Status,
		ClientCount: len(s.Listeners),
	}
}

func (r *Router) metadata(s *registry.Session) protocol.SessionMetadata {
	return protocol.SessionMetadata{
		Type:               protocol.TypeSessionMetadata,
		SessionID:          s.ID,
		Config:             s.Config,
		AvailableLanguages: s.Config.TargetLanguages,
		TTSAvailable:       s.Config.TTSMode != types.TTSDisabled,
	}
}

// registryError translates registry sentinels into taxonomy errors.
func registryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return apperr.Wrap(apperr.CodeSessionNotFound, "session not found", err)
	case errors.Is(err, registry.ErrDuplicateID):
		return apperr.Wrap(apperr.CodeSessionExists, "session ID already in use", err)
	case errors.Is(err, registry.ErrSessionFull):
		return apperr.Wrap(apperr.CodeClientLimit, "session is full", err)
	case errors.Is(err, registry.ErrNotOwner):
		return apperr.Wrap(apperr.CodeNotOwner, "session belongs to another admin", err)
	case errors.Is(err, registry.ErrBadTransition):
		return apperr.Wrap(apperr.CodeForbidden, "operation not allowed in the session's current state", err)
	case errors.Is(err, registry.ErrIDsExhausted):
		return apperr.Wrap(apperr.CodeInternal, "session ID space exhausted", err)
	case errors.Is(err, registry.ErrInvalidConfig):
		return apperr.Wrap(apperr.CodeInvalidConfig, "session configuration rejected", err)
	case errors.Is(err, registry.ErrBadID):
		return apperr.Wrap(apperr.CodeBadSessionID, "session ID is malformed", err)
	default:
		// Anything unclassified out of the registry is an I/O problem, not a
		// mistake in the admin's request.
		return apperr.Wrap(apperr.CodePersistence, "session persistence failed", err)
	}
}
