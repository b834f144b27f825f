package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/installer"
	"gitlab.elettra.eu/cs/inau/pkg/log"
	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/types"
	"gitlab.elettra.eu/cs/inau/pkg/webhook"
)

// Gateway admits GitLab deliveries.
type Gateway interface {
	Process(ctx context.Context, deliveryID string, p *webhook.Payload) (*webhook.Result, error)
}

// Installer delivers a released tag to its destinations.
type Installer interface {
	Install(ctx context.Context, req installer.Request) ([]installer.Record, error)
}

// Reporter is the catalog slice behind the read-only endpoints.
type Reporter interface {
	Ping(ctx context.Context) error
	HostByName(ctx context.Context, name string) (types.Host, error)
	CurrentInstallations(ctx context.Context, diffOnly bool) ([]catalog.InstallationReport, error)
	InstallationHistory(ctx context.Context) ([]catalog.InstallationReport, error)
	HostFiles(ctx context.Context, hostID int64) ([]catalog.HostFile, error)
	Builds(ctx context.Context, filter catalog.BuildListFilter) ([]types.Build, error)
	BuildByID(ctx context.Context, id int64) (types.Build, error)
	ArtifactsByBuild(ctx context.Context, buildID int64) ([]types.Artifact, error)
}

// Server is the HTTP surface: the GitLab webhook receiver, the
// authenticated installation endpoints and the read-only reports.
type Server struct {
	gateway   Gateway
	installer Installer
	reporter  Reporter
	auth      Authenticator
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer wires the handler tree. The result is ready to serve.
func NewServer(gw Gateway, ins Installer, rep Reporter, auth Authenticator) *Server {
	s := &Server{
		gateway:   gw,
		installer: ins,
		reporter:  rep,
		auth:      auth,
		logger:    log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the routed handler for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.instrument)
	r.Use(s.recoverPanics)

	r.Post("/", s.handleWebhook)

	r.Route("/v2/cs", func(r chi.Router) {
		r.Get("/installations", s.handleInstallationReport)
		r.Post("/installations", s.requireAuth(s.handleGlobalInstall))
		r.Post("/facilities/{facility}/installations", s.requireAuth(s.handleFacilityInstall))
		r.Post("/facilities/{facility}/hosts/{host}/installations", s.requireAuth(s.handleHostInstall))
		r.Get("/hosts/{host}/files", s.handleHostFiles)
		r.Get("/builds", s.handleBuildList)
		r.Get("/builds/{id}", s.handleBuild)
		r.Get("/builds/{id}/artifacts", s.handleBuildArtifacts)
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// handleWebhook receives GitLab tag_push deliveries. Deliveries the
// gateway drops on purpose are answered 200 so GitLab does not retry
// them; only malformed payloads earn a 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}

	result, err := s.gateway.Process(r.Context(), r.Header.Get("X-Gitlab-Event-UUID"), &payload)
	if err != nil {
		var rejection *webhook.RejectionError
		switch {
		case errors.As(err, &rejection):
			s.writeJSON(w, r, http.StatusOK, map[string]string{"message": rejection.Reason})
		case errors.Is(err, webhook.ErrInvalidRef):
			s.writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error().Err(err).Msg("webhook processing failed")
			s.writeError(w, r, http.StatusInternalServerError, "scheduling builds failed")
		}
		return
	}

	status := http.StatusOK
	if len(result.Builds) > 0 {
		status = http.StatusCreated
	}
	s.writeJSON(w, r, status, result)
}

// installHandler runs after Basic auth succeeded for username.
type installHandler func(w http.ResponseWriter, r *http.Request, username string)

func (s *Server) requireAuth(next installHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="inau"`)
			if r.Header.Get("Authorization") == "" {
				s.writeError(w, r, http.StatusUnauthorized, "Missing authorization header")
			} else {
				s.writeError(w, r, http.StatusUnauthorized, "Invalid credentials")
			}
			return
		}
		if err := s.auth.Authenticate(r.Context(), username, password); err != nil {
			var denied *authError
			if errors.As(err, &denied) {
				s.writeError(w, r, denied.status, denied.message)
				return
			}
			s.logger.Error().Err(err).Str("user", username).Msg("authentication failed")
			s.writeError(w, r, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		next(w, r, username)
	}
}

// installationRequest is the body of every installation POST.
type installationRequest struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

func (s *Server) handleGlobalInstall(w http.ResponseWriter, r *http.Request, username string) {
	s.runInstall(w, r, username, installer.Request{Type: types.InstallGlobal})
}

func (s *Server) handleFacilityInstall(w http.ResponseWriter, r *http.Request, username string) {
	s.runInstall(w, r, username, installer.Request{
		Type:     types.InstallFacility,
		Facility: chi.URLParam(r, "facility"),
	})
}

func (s *Server) handleHostInstall(w http.ResponseWriter, r *http.Request, username string) {
	s.runInstall(w, r, username, installer.Request{
		Type:     types.InstallHost,
		Facility: chi.URLParam(r, "facility"),
		Host:     chi.URLParam(r, "host"),
	})
}

func (s *Server) runInstall(w http.ResponseWriter, r *http.Request, username string, req installer.Request) {
	var body installationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Repository == "" || body.Tag == "" {
		s.writeError(w, r, http.StatusBadRequest, "repository and tag are required")
		return
	}
	req.Username = username
	req.Repository = body.Repository
	req.Tag = body.Tag

	records, err := s.installer.Install(r.Context(), req)
	if err != nil {
		var notFound *installer.NotFoundError
		var remote *installer.RemoteError
		switch {
		case errors.As(err, &notFound):
			s.writeError(w, r, http.StatusNotFound, notFound.Message)
		case errors.As(err, &remote):
			s.writeError(w, r, http.StatusBadGateway, remote.Error())
		default:
			s.logger.Error().Err(err).Str("repository", req.Repository).Str("tag", req.Tag).Msg("installation failed")
			s.writeError(w, r, http.StatusInternalServerError, "installation failed")
		}
		return
	}
	if records == nil {
		records = []installer.Record{}
	}
	s.writeJSON(w, r, http.StatusOK, records)
}

func (s *Server) handleInstallationReport(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "status"
	}

	var (
		reports []catalog.InstallationReport
		err     error
	)
	switch mode {
	case "status":
		reports, err = s.reporter.CurrentInstallations(r.Context(), false)
	case "diff":
		reports, err = s.reporter.CurrentInstallations(r.Context(), true)
	case "history":
		reports, err = s.reporter.InstallationHistory(r.Context())
	default:
		s.writeError(w, r, http.StatusBadRequest, "mode must be status, diff or history")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("mode", mode).Msg("installation report failed")
		s.writeError(w, r, http.StatusInternalServerError, "listing installations failed")
		return
	}
	if reports == nil {
		reports = []catalog.InstallationReport{}
	}
	s.writeJSON(w, r, http.StatusOK, reports)
}

func (s *Server) handleHostFiles(w http.ResponseWriter, r *http.Request) {
	host, err := s.reporter.HostByName(r.Context(), chi.URLParam(r, "host"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "Host not found")
			return
		}
		s.logger.Error().Err(err).Msg("host lookup failed")
		s.writeError(w, r, http.StatusInternalServerError, "listing host files failed")
		return
	}

	files, err := s.reporter.HostFiles(r.Context(), host.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("host", host.Name).Msg("host file report failed")
		s.writeError(w, r, http.StatusInternalServerError, "listing host files failed")
		return
	}
	if files == nil {
		files = []catalog.HostFile{}
	}
	s.writeJSON(w, r, http.StatusOK, files)
}

func (s *Server) handleBuildList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := catalog.BuildListFilter{
		Repository: q.Get("repository"),
		Tag:        q.Get("tag"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	builds, err := s.reporter.Builds(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("build listing failed")
		s.writeError(w, r, http.StatusInternalServerError, "listing builds failed")
		return
	}
	if builds == nil {
		builds = []types.Build{}
	}
	s.writeJSON(w, r, http.StatusOK, builds)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid build id")
		return
	}

	build, err := s.reporter.BuildByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "Build not found")
			return
		}
		s.logger.Error().Err(err).Int64("build_id", id).Msg("build lookup failed")
		s.writeError(w, r, http.StatusInternalServerError, "loading build failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, build)
}

func (s *Server) handleBuildArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid build id")
		return
	}

	if _, err := s.reporter.BuildByID(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "Build not found")
			return
		}
		s.logger.Error().Err(err).Int64("build_id", id).Msg("build lookup failed")
		s.writeError(w, r, http.StatusInternalServerError, "loading build failed")
		return
	}

	artifacts, err := s.reporter.ArtifactsByBuild(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("build_id", id).Msg("artifact listing failed")
		s.writeError(w, r, http.StatusInternalServerError, "listing artifacts failed")
		return
	}
	if artifacts == nil {
		artifacts = []types.Artifact{}
	}
	s.writeJSON(w, r, http.StatusOK, artifacts)
}

// handleHealth refreshes the catalog component state and serves the
// aggregate health document.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.reporter.Ping(r.Context()); err != nil {
		metrics.SetComponent("catalog", false, err.Error())
	} else {
		metrics.SetComponent("catalog", true, "")
	}
	metrics.HealthHandler()(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, r, status, map[string]string{"error": message})
}
