package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"lyricqueue/internal/config"
	"lyricqueue/internal/events"
	"lyricqueue/internal/idempotency"
	"lyricqueue/internal/lyrics"
	"lyricqueue/internal/media"
	"lyricqueue/internal/models"
	"lyricqueue/internal/ratelimit"
	"lyricqueue/internal/store"
	"lyricqueue/internal/telemetry"
)

// Server wires HTTP handlers for the library API.
type Server struct {
	cfg      config.Config
	store    *store.Store
	resolver *idempotency.Resolver
	hub      *events.Hub
	limiter  *ratelimit.Limiter
	history  History
	validate *validator.Validate
	log      *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithRateLimiter throttles POST routes per client address.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHistory replays recent events to new stream subscribers.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, r *idempotency.Resolver, hub *events.Hub, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		resolver: r,
		hub:      hub,
		validate: validator.New(),
		log:      log.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// X-Forwarded-For and X-Real-IP are client controlled; they only pick
	// the rate limit key when a trusted proxy sets them.
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/ingest", s.handleIngest)
		r.Post("/songs/{id}/lyrics/retry", s.handleRetryLyrics)
		r.Post("/maintenance/ytdlp", s.handleMaintenance)
	})

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/songs", s.handleListSongs)
	r.Get("/songs/{id}", s.handleGetSong)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	URL       string `json:"url" validate:"required,url"`
	SongID    *int64 `json:"song_id" validate:"omitempty,gt=0"`
	Rehydrate bool   `json:"rehydrate"`
}

type enqueueResponse struct {
	Job     models.Summary `json:"job"`
	Outcome string         `json:"outcome"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	if _, ok := media.Platform(req.URL); !ok {
		http.Error(w, "unsupported platform", http.StatusBadRequest)
		return
	}
	if req.SongID != nil {
		if _, err := s.store.GetSong(r.Context(), *req.SongID); err != nil {
			s.storeError(w, err, "song not found")
			return
		}
	}

	res, err := s.resolver.Ingest(r.Context(), req.URL, req.SongID, req.Rehydrate)
	if err != nil {
		s.log.Error("ingest enqueue failed", "url", req.URL, "err", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: res.Job.Summary(), Outcome: string(res.Outcome)})
}

func (s *Server) handleRetryLyrics(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetSong(r.Context(), id); err != nil {
		s.storeError(w, err, "song not found")
		return
	}
	res, err := s.resolver.RetryLyrics(r.Context(), id)
	if err != nil {
		s.log.Error("lyrics retry enqueue failed", "song_id", id, "err", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: res.Job.Summary(), Outcome: string(res.Outcome)})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolver.UpdateYTDLP(r.Context())
	if err != nil {
		s.log.Error("maintenance enqueue failed", "err", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: res.Job.Summary(), Outcome: string(res.Outcome)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var (
		jobs []models.Job
		err  error
	)
	switch bucket := r.URL.Query().Get("bucket"); bucket {
	case "", "active":
		jobs, err = s.store.ListActive(r.Context())
	case "history":
		jobs, err = s.store.ListHistory(r.Context(), limit)
	default:
		http.Error(w, "bucket must be active or history", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("list jobs failed", "err", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type songView struct {
	models.Song
	AudioStatus  string `json:"audio_status"`
	LyricsStatus string `json:"lyrics_status"`
}

func (s *Server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := s.store.ListSongs(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		s.log.Error("list songs failed", "err", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	active, err := s.activeWork(r)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	views := make([]songView, 0, len(songs))
	for _, song := range songs {
		views = append(views, active.view(song, s.cfg.StrictLRC))
	}
	writeJSON(w, http.StatusOK, map[string]any{"songs": views})
}

func (s *Server) handleGetSong(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	song, err := s.store.GetSong(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "song not found")
		return
	}
	if err := s.store.TouchSong(r.Context(), id); err != nil {
		s.log.Warn("touch song failed", "song_id", id, "err", err)
	}
	active, err := s.activeWork(r)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, active.view(song, s.cfg.StrictLRC))
}

// activeSet indexes in-flight jobs by what they act on.
type activeSet struct {
	ingestURLs     map[string]bool
	ingestSongs    map[int64]bool
	lyricsSubjects map[string]bool
}

func (s *Server) activeWork(r *http.Request) (activeSet, error) {
	set := activeSet{
		ingestURLs:     make(map[string]bool),
		ingestSongs:    make(map[int64]bool),
		lyricsSubjects: make(map[string]bool),
	}
	jobs, err := s.store.ListActive(r.Context())
	if err != nil {
		s.log.Error("list active jobs failed", "err", err)
		return set, err
	}
	for _, job := range jobs {
		payload, err := models.DecodePayload(job)
		if err != nil {
			continue
		}
		switch p := payload.(type) {
		case models.AcquireMediaPayload:
			set.ingestURLs[idempotency.NormalizeURL(p.URL)] = true
			if p.SongID != nil {
				set.ingestSongs[*p.SongID] = true
			}
		case models.GenerateTextPayload:
			set.lyricsSubjects[models.SongSubject(p.SongID)] = true
		}
	}
	return set, nil
}

func (a activeSet) view(song models.Song, strict bool) songView {
	return songView{
		Song:         song,
		AudioStatus:  a.audioStatus(song),
		LyricsStatus: a.lyricsStatus(song, strict),
	}
}

func (a activeSet) audioStatus(song models.Song) string {
	if song.FilePath != nil {
		if _, err := os.Stat(*song.FilePath); err == nil {
			return "cached"
		}
	}
	if a.ingestSongs[song.ID] {
		return "re-downloading"
	}
	if song.SourceURL != nil && a.ingestURLs[idempotency.NormalizeURL(*song.SourceURL)] {
		return "re-downloading"
	}
	return "expired"
}

func (a activeSet) lyricsStatus(song models.Song, strict bool) string {
	switch {
	case song.LyricsSynced && song.Lyrics != nil && lyrics.Validate(*song.Lyrics):
		return "synced"
	case a.lyricsSubjects[models.SongSubject(song.ID)]:
		return "processing"
	case song.Lyrics != nil && strings.TrimSpace(*song.Lyrics) == models.LyricsNotFound:
		return "not_found"
	case !strict && song.Lyrics != nil && strings.TrimSpace(*song.Lyrics) != "":
		return "unsynced"
	default:
		return "missing"
	}
}

// rateLimit rejects requests once the caller's token bucket is empty. A
// limiter outage lets traffic through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), "ip:"+clientIP(r))
		if err != nil {
			s.log.Warn("rate limiter unavailable", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) storeError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, notFound, http.StatusNotFound)
		return
	}
	s.log.Error("store lookup failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, 500)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if field == "songid" {
		field = "song_id"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return field + " must be a valid url"
	default:
		return field + " is invalid"
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
