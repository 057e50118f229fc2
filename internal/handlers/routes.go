package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/chronosearch/backend/internal/auth"
	"github.com/chronosearch/backend/internal/storage"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Users          UserStore
	Sessions       SessionManager
	Videos         VideoCatalog
	Objects        storage.ObjectStore
	Index          IndexScheduler
	Frames         FrameCounter
	Search         Searcher
	UploadLimiter  RateLimiter
	ReindexLimiter RateLimiter
	MaxUploadBytes int64
}

// NewRouter wires HTTP handlers into a mux router. Routes under /api that
// mutate state or expose per-user data require a bearer token; stream and
// status resolve the caller when a token is present but accept anonymous
// requests so public videos stay reachable.
func NewRouter(deps Dependencies) *mux.Router {
	health := HealthHandler{}
	authHandler := AuthHandler{Users: deps.Users, Sessions: deps.Sessions}
	videoHandler := VideoHandler{
		Videos:         deps.Videos,
		Objects:        deps.Objects,
		Index:          deps.Index,
		Frames:         deps.Frames,
		UploadLimiter:  deps.UploadLimiter,
		ReindexLimiter: deps.ReindexLimiter,
		MaxUploadBytes: deps.MaxUploadBytes,
	}
	searchHandler := SearchHandler{Engine: deps.Search}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.Handle).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", authHandler.Register).Methods(http.MethodPost)
	api.HandleFunc("/login", authHandler.Login).Methods(http.MethodPost)
	api.HandleFunc("/google_login", authHandler.GoogleLogin).Methods(http.MethodPost)
	api.HandleFunc("/refresh", authHandler.Refresh).Methods(http.MethodPost)

	// Target videos are addressed by a video_id query parameter; the path
	// forms are kept as aliases.
	open := api.NewRoute().Subrouter()
	open.Use(ResolveUser(deps.Sessions))
	open.HandleFunc("/feed", videoHandler.Feed).Methods(http.MethodGet)
	open.HandleFunc("/status", videoHandler.Status).Methods(http.MethodGet)
	open.HandleFunc("/status/{video_id}", videoHandler.Status).Methods(http.MethodGet)
	open.HandleFunc("/stream/{video_id}", videoHandler.Stream).Methods(http.MethodGet)
	open.HandleFunc("/search", searchHandler.InVideo).Methods(http.MethodGet)
	open.HandleFunc("/search/{video_id}", searchHandler.InVideo).Methods(http.MethodGet)
	open.HandleFunc("/search_global", searchHandler.Global).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(RequireUser(deps.Sessions))
	protected.HandleFunc("/upload", videoHandler.Upload).Methods(http.MethodPost)
	protected.HandleFunc("/my_videos", videoHandler.MyVideos).Methods(http.MethodGet)
	protected.HandleFunc("/reindex", videoHandler.Reindex).Methods(http.MethodPost)
	protected.HandleFunc("/reindex/{video_id}", videoHandler.Reindex).Methods(http.MethodPost)
	protected.HandleFunc("/videos/{video_id}", videoHandler.Update).Methods(http.MethodPatch)
	protected.HandleFunc("/videos/{video_id}", videoHandler.Delete).Methods(http.MethodDelete)

	return r
}

// ResolveUser attaches the authenticated user to the request context when a
// valid bearer token is supplied, but never rejects the request.
func ResolveUser(sessions SessionManager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := bearerToken(r); token != "" && sessions != nil {
				if userID, err := sessions.Authenticate(r.Context(), token); err == nil {
					r = r.WithContext(auth.WithUserID(r.Context(), userID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects requests that do not carry a valid bearer token.
func RequireUser(sessions SessionManager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" || sessions == nil {
				respondError(r.Context(), w, http.StatusUnauthorized, "authentication required")
				return
			}

			userID, err := sessions.Authenticate(r.Context(), token)
			if err != nil {
				respondError(r.Context(), w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
