// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nyiyui/wgledger/engine"
	"github.com/nyiyui/wgledger/errkind"
	"github.com/nyiyui/wgledger/quota"
	"github.com/nyiyui/wgledger/store"
	"github.com/nyiyui/wgledger/util"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

const maxBodySize = 1 << 16

type Server struct {
	r      chi.Router
	engine *engine.Engine
	tokens []util.TokenHash
}

// NewServer returns a Server accepting bearer tokens whose hash is in tokens.
func NewServer(e *engine.Engine, tokens []util.TokenHash) *Server {
	if len(tokens) == 0 {
		panic("api.NewServer: no tokens")
	}
	s := &Server{
		r:      chi.NewRouter(),
		engine: e,
		tokens: tokens,
	}
	s.setup()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

func (s *Server) setup() {
	s.r.Use(middleware.Recoverer)
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/clients", s.listClients)
		r.Post("/clients", s.createClient)
		r.Route("/clients/{username}", func(r chi.Router) {
			r.Use(checkUsername)
			r.Get("/", s.getClient)
			r.Patch("/", s.patchClient)
			r.Delete("/", s.deleteClient)
			r.Get("/config", s.getConfig)
			r.Post("/deactivate", s.deactivate)
			r.Post("/activate", s.activate)
			r.Post("/traffic", s.postTraffic)
			r.Get("/connections", s.getConnections)
		})
		r.Post("/reconcile", s.postReconcile)
	})
}

// authenticate rejects requests without a bearer token known to s.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "Authorization header must have type Bearer", 401)
			return
		}
		token, err := util.ParseToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, "bad token", 401)
			return
		}
		tokenHash := token.Hash()
		for _, h := range s.tokens {
			if h.Equal(*tokenHash) {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "not authorized", 401)
	})
}

func checkUsername(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !usernamePattern.MatchString(chi.URLParam(r, "username")) {
			http.Error(w, "invalid username", 400)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusOf maps an error kind to a status code.
func statusOf(err error) int {
	switch errkind.Of(err) {
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.DuplicateClient, errkind.InvalidState:
		return http.StatusConflict
	case errkind.InvalidQuota:
		return http.StatusBadRequest
	case errkind.SyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type ErrorResponse struct {
	Kind    errkind.Kind `json:",omitempty"`
	Message string
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		zap.S().Errorf("%s %s: %s", r.Method, r.URL.Path, err)
	} else {
		zap.S().Debugf("%s %s: %s", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, ErrorResponse{Kind: errkind.Of(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		zap.S().Errorf("encoding response: %s", err)
		http.Error(w, "encoding response failed", 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) (ok bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body failed", 400)
		return false
	}
	err = json.Unmarshal(data, v)
	if err != nil {
		http.Error(w, fmt.Sprintf("decoding body failed: %s", err), 400)
		return false
	}
	return true
}

// parseTime parses an RFC 3339 timestamp. The empty string is a nil time.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Client is what the API shows of a client. The private key is only in the configuration.
type Client struct {
	Username           string
	PublicKey          string
	AllowedIPs         []string
	Family             store.Family
	Active             bool
	State              engine.State
	CreatedAt          time.Time
	DeactivatedAt      *time.Time   `json:",omitempty"`
	DeactivationReason store.Reason `json:",omitempty"`
	ExpiresAt          *time.Time   `json:",omitempty"`
	TrafficLimit       string       `json:",omitempty"`
	Traffic            Traffic
}

type Traffic struct {
	IncomingBytes uint64
	OutgoingBytes uint64
	// Total is human-readable.
	Total      string
	LastUpdate time.Time
}

func newTraffic(t store.TrafficRecord) Traffic {
	return Traffic{
		IncomingBytes: t.IncomingBytes,
		OutgoingBytes: t.OutgoingBytes,
		Total:         humanize.Bytes(t.Total()),
		LastUpdate:    t.LastUpdate,
	}
}

func newClient(info engine.Info) Client {
	c := info.Client
	cv := Client{
		Username:           c.Username,
		PublicKey:          c.PublicKey.String(),
		AllowedIPs:         make([]string, len(c.AllowedIPs)),
		Family:             c.Family,
		Active:             c.Active,
		State:              info.State,
		CreatedAt:          c.CreatedAt,
		DeactivationReason: c.DeactivationReason,
		Traffic:            newTraffic(info.Traffic),
	}
	for i, prefix := range c.AllowedIPs {
		cv.AllowedIPs[i] = prefix.String()
	}
	if !c.DeactivatedAt.IsZero() {
		t := c.DeactivatedAt
		cv.DeactivatedAt = &t
	}
	if info.Policy != nil {
		cv.ExpiresAt = info.Policy.ExpiresAt
		if info.Policy.TrafficLimit != nil {
			cv.TrafficLimit = quota.Format(*info.Policy.TrafficLimit)
		}
	}
	return cv
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.Infos()
	if err != nil {
		writeError(w, r, err)
		return
	}
	cs := make([]Client, len(infos))
	for i, info := range infos {
		cs[i] = newClient(info)
	}
	writeJSON(w, 200, cs)
}

type CreateClientRequest struct {
	Username string
	// ExpiresAt is an RFC 3339 timestamp; empty means never.
	ExpiresAt string
	// TrafficLimit is like "10GB"; empty means unlimited.
	TrafficLimit string
	// IPv6 also assigns an IPv6 address. Family takes precedence if set.
	IPv6   bool
	Family store.Family
}

type CreateClientResponse struct {
	Client Client
	// Config is the wg-quick configuration to hand to the client.
	Config string
	// SyncError is set if the client was recorded but the interface could not be updated.
	SyncError string `json:",omitempty"`
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		http.Error(w, "invalid username", 400)
		return
	}
	expiresAt, err := parseTime(req.ExpiresAt)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid ExpiresAt: %s", err), 400)
		return
	}
	f := req.Family
	if f == "" {
		f = store.FamilyIPv4
		if req.IPv6 {
			f = store.FamilyDual
		}
	}
	if !f.Valid() {
		http.Error(w, "invalid Family", 400)
		return
	}
	policy := engine.Policy{ExpiresAt: expiresAt, TrafficLimit: req.TrafficLimit}
	c, artifact, err := s.engine.CreateClient(r.Context(), req.Username, f, policy)
	if err != nil && artifact == nil {
		writeError(w, r, err)
		return
	}
	info, err2 := s.engine.Info(c.Username)
	if err2 != nil {
		writeError(w, r, err2)
		return
	}
	resp := CreateClientResponse{Client: newClient(info), Config: string(artifact)}
	status := http.StatusCreated
	if err != nil {
		resp.SyncError = err.Error()
		status = statusOf(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Info(chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, 200, newClient(info))
}

// PatchClientRequest changes a client's policy. Absent fields are left as is; empty strings clear them.
type PatchClientRequest struct {
	ExpiresAt    *string
	TrafficLimit *string
}

func (s *Server) patchClient(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req PatchClientRequest
	if !readJSON(w, r, &req) {
		return
	}
	info, err := s.engine.Info(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var policy engine.Policy
	if info.Policy != nil {
		policy.ExpiresAt = info.Policy.ExpiresAt
		if info.Policy.TrafficLimit != nil {
			policy.TrafficLimit = quota.Format(*info.Policy.TrafficLimit)
		}
	}
	if req.ExpiresAt != nil {
		policy.ExpiresAt, err = parseTime(*req.ExpiresAt)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid ExpiresAt: %s", err), 400)
			return
		}
	}
	if req.TrafficLimit != nil {
		policy.TrafficLimit = *req.TrafficLimit
	}
	_, err = s.engine.UpdatePolicy(r.Context(), username, policy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.getClient(w, r)
}

func (s *Server) deleteClient(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Remove(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	artifact, err := s.engine.ClientConfig(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.conf"`, username))
	w.WriteHeader(200)
	w.Write(artifact)
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Deactivate(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.getClient(w, r)
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Activate(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.getClient(w, r)
}

// PostTrafficRequest reports counters for a client. Absolute counters replace the recorded ones; otherwise they
// are added to them.
type PostTrafficRequest struct {
	IncomingBytes uint64
	OutgoingBytes uint64
	Absolute      bool
}

func (s *Server) postTraffic(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req PostTrafficRequest
	if !readJSON(w, r, &req) {
		return
	}
	var t store.TrafficRecord
	var err error
	if req.Absolute {
		t, err = s.engine.RecordSample(username, req.IncomingBytes, req.OutgoingBytes)
	} else {
		t, err = s.engine.AccumulateSample(username, req.IncomingBytes, req.OutgoingBytes)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, 200, newTraffic(t))
}

type Connections struct {
	// Endpoints maps endpoint IPs to when they were last seen.
	Endpoints     map[string]time.Time
	LastHandshake *time.Time `json:",omitempty"`
	// LastHandshakeAgo is human-readable.
	LastHandshakeAgo string `json:",omitempty"`
}

func (s *Server) getConnections(w http.ResponseWriter, r *http.Request) {
	cr, err := s.engine.Connections(chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := Connections{Endpoints: cr.Endpoints}
	if resp.Endpoints == nil {
		resp.Endpoints = map[string]time.Time{}
	}
	if !cr.LastHandshake.IsZero() {
		t := cr.LastHandshake
		resp.LastHandshake = &t
		resp.LastHandshakeAgo = humanize.Time(t)
	}
	writeJSON(w, 200, resp)
}

type ReconcileResponse struct {
	Applied bool
	Peers   int
}

func (s *Server) postReconcile(w http.ResponseWriter, r *http.Request) {
	override := r.URL.Query().Get("override") == "true"
	run := s.engine.Reconcile
	if override {
		zap.S().Warnf("reconciling with override.")
		run = s.engine.Override
	}
	res, err := run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, 200, ReconcileResponse{Applied: res.Applied, Peers: res.Peers})
}
