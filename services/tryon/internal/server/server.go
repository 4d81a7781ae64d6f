package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tryonhub/internal/ratelimit"
	"tryonhub/internal/usertoken"
	"tryonhub/internal/util"
	"tryonhub/services/tryon/internal/app"
)

// TokenVerifier resolves a bearer token to the calling user.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	// UploadLimiter throttles photo uploads per client IP. Nil disables throttling.
	UploadLimiter  *ratelimit.FixedWindowLimiter
	Metrics        http.Handler
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the try-on service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	uploadLimiter  *ratelimit.FixedWindowLimiter
	metrics        http.Handler
	allowedOrigins []string
	proxies        *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		uploadLimiter:  cfg.UploadLimiter,
		metrics:        cfg.Metrics,
		allowedOrigins: cfg.AllowedOrigins,
		proxies:        cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("tryon", s.proxies, util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}

	// try-on
	s.mux.Handle("/api/tryon", s.withUser(s.handleTryOn))
	s.mux.Handle("/api/tryon/photo", s.withUser(s.handlePhoto))
	s.mux.Handle("/api/tryon/rate-limit", s.withUser(s.handleRateLimit))
	s.mux.Handle("/api/tryon/generate", s.withUser(s.handleGenerate))
	s.mux.Handle("/api/tryon/generate/batch", s.withUser(s.handleGenerateBatch))
	s.mux.Handle("/api/products", s.withUser(s.handleProducts))

	// gallery
	s.mux.Handle("/api/gallery", s.withUser(s.handleGallery))
	s.mux.Handle("/api/gallery/public", s.withUser(s.handlePublicGallery))
	s.mux.Handle("/api/gallery/", s.withUser(s.handleGalleryByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		user, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.UserID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) handleTryOn(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	data, err := s.app.GetUserTryOnData(r.Context(), user.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadPhoto(w, r, user)
	case http.MethodDelete:
		if err := s.app.DeleteUserPhoto(r.Context(), user.UserID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		methodNotAllowed(w)
	}
}

const multipartOverhead = 1 << 20

func (s *Server) handleUploadPhoto(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if !s.allowUpload(w, r) {
		return
	}
	maxBytes := s.app.MaxPhotoBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeAppError(w, r, app.ErrImageTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "invalid form data")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "failed to read file")
		return
	}
	res, err := s.app.UploadUserPhoto(r.Context(), user.UserID, data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// allowUpload applies the per-IP upload throttle.
func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request) bool {
	if s.uploadLimiter == nil {
		return true
	}
	if s.uploadLimiter.Allow(r.Context(), "photo|"+util.ClientIP(r, s.proxies)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "TRYON_UPLOAD_RATE_LIMITED", "too many uploads, try again later")
	return false
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	quota, err := s.app.CheckRateLimit(r.Context(), user.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

type generateRequest struct {
	ProductID string `json:"productId"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.Generate(r.Context(), user.UserID, req.ProductID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	ProductIDs []string `json:"productIds"`
	MaxCount   int      `json:"maxCount"`
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.ProductIDs) == 0 {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "productIds required")
		return
	}
	res, err := s.app.GenerateBatch(r.Context(), user.UserID, req.ProductIDs, req.MaxCount)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request, _ usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	products, err := s.app.ListProducts(r.Context(), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": products,
		"count": len(products),
	})
}

type saveGalleryRequest struct {
	ProductID string `json:"productId"`
	ImageURL  string `json:"imageUrl"`
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.app.ListMyGallery(r.Context(), user.UserID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": entries,
			"count": len(entries),
		})
	case http.MethodPost:
		var req saveGalleryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		entry, err := s.app.SaveToGallery(r.Context(), user.UserID, req.ProductID, req.ImageURL)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePublicGallery(w http.ResponseWriter, r *http.Request, _ usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.app.ListPublicGallery(r.Context(), r.URL.Query().Get("productId"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

func (s *Server) handleGalleryByID(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/gallery/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		notFound(w)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodDelete:
		if err := s.app.DeleteGalleryEntry(r.Context(), user.UserID, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	case action == "visibility" && r.Method == http.MethodPatch:
		public, err := s.app.ToggleGalleryPublic(r.Context(), user.UserID, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"isPublic": public})
	case action == "" || action == "visibility":
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "invalid json body")
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
