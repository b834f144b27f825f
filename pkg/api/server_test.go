package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/installer"
	"gitlab.elettra.eu/cs/inau/pkg/types"
	"gitlab.elettra.eu/cs/inau/pkg/webhook"
)

type fakeGateway struct {
	result     *webhook.Result
	err        error
	panics     bool
	calls      int
	deliveryID string
	payload    *webhook.Payload
}

func (g *fakeGateway) Process(_ context.Context, deliveryID string, p *webhook.Payload) (*webhook.Result, error) {
	g.calls++
	g.deliveryID = deliveryID
	g.payload = p
	if g.panics {
		panic("gateway exploded")
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

type fakeInstaller struct {
	records []installer.Record
	err     error
	calls   int
	req     installer.Request
}

func (i *fakeInstaller) Install(_ context.Context, req installer.Request) ([]installer.Record, error) {
	i.calls++
	i.req = req
	if i.err != nil {
		return nil, i.err
	}
	return i.records, nil
}

type fakeReporter struct {
	pingErr   error
	host      types.Host
	hostErr   error
	reports   []catalog.InstallationReport
	history   []catalog.InstallationReport
	reportErr error
	files     []catalog.HostFile
	builds    []types.Build
	build     types.Build
	buildErr  error
	artifacts []types.Artifact

	diffOnly     []bool
	historyCalls int
	filter       catalog.BuildListFilter
}

func (f *fakeReporter) Ping(context.Context) error { return f.pingErr }

func (f *fakeReporter) HostByName(_ context.Context, name string) (types.Host, error) {
	if f.hostErr != nil {
		return types.Host{}, f.hostErr
	}
	return f.host, nil
}

func (f *fakeReporter) CurrentInstallations(_ context.Context, diffOnly bool) ([]catalog.InstallationReport, error) {
	f.diffOnly = append(f.diffOnly, diffOnly)
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return f.reports, nil
}

func (f *fakeReporter) InstallationHistory(context.Context) ([]catalog.InstallationReport, error) {
	f.historyCalls++
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return f.history, nil
}

func (f *fakeReporter) HostFiles(context.Context, int64) ([]catalog.HostFile, error) {
	return f.files, nil
}

func (f *fakeReporter) Builds(_ context.Context, filter catalog.BuildListFilter) ([]types.Build, error) {
	f.filter = filter
	return f.builds, nil
}

func (f *fakeReporter) BuildByID(_ context.Context, id int64) (types.Build, error) {
	if f.buildErr != nil {
		return types.Build{}, f.buildErr
	}
	return f.build, nil
}

func (f *fakeReporter) ArtifactsByBuild(context.Context, int64) ([]types.Artifact, error) {
	return f.artifacts, nil
}

type fakeDirectory struct {
	users map[string]types.User
	err   error
}

func (d *fakeDirectory) UserByName(_ context.Context, name string) (types.User, error) {
	if d.err != nil {
		return types.User{}, d.err
	}
	u, ok := d.users[name]
	if !ok {
		return types.User{}, fmt.Errorf("user %q: %w", name, catalog.ErrNotFound)
	}
	return u, nil
}

type apiWorld struct {
	gateway   *fakeGateway
	installer *fakeInstaller
	reporter  *fakeReporter
	directory *fakeDirectory
	server    *Server
}

func newAPIWorld() *apiWorld {
	w := &apiWorld{
		gateway:   &fakeGateway{result: &webhook.Result{Message: "builds scheduled", Builds: []webhook.ScheduledBuild{}}},
		installer: &fakeInstaller{},
		reporter:  &fakeReporter{},
		directory: &fakeDirectory{users: map[string]types.User{
			"mrossi": {ID: 7, Name: "mrossi"},
		}},
	}
	w.server = NewServer(w.gateway, w.installer, w.reporter, NewCatalogAuthenticator(w.directory, nil))
	return w
}

func (w *apiWorld) do(method, target, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	w.server.Handler().ServeHTTP(rec, req)
	return rec
}

func asOperator(req *http.Request) {
	req.SetBasicAuth("mrossi", "secret")
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestWebhookSchedulesBuilds(t *testing.T) {
	w := newAPIWorld()
	w.gateway.result = &webhook.Result{
		Message: "builds scheduled",
		Builds:  []webhook.ScheduledBuild{{ID: 41, PlatformID: 1}, {ID: 42, PlatformID: 2}},
	}

	payload := `{"object_kind":"tag_push","ref":"refs/tags/2.1.0","project":{"path_with_namespace":"cs/ds/fake-server"}}`
	rec := w.do(http.MethodPost, "/", payload, func(req *http.Request) {
		req.Header.Set("X-Gitlab-Event-UUID", "4cbd9505-2a03-4f0c-b103-f2d74b7cc3ba")
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "4cbd9505-2a03-4f0c-b103-f2d74b7cc3ba", w.gateway.deliveryID)
	require.NotNil(t, w.gateway.payload)
	assert.Equal(t, "refs/tags/2.1.0", w.gateway.payload.Ref)

	var result webhook.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "builds scheduled", result.Message)
	assert.Len(t, result.Builds, 2)
}

func TestWebhookDuplicateDeliveryAnswers200(t *testing.T) {
	w := newAPIWorld()
	w.gateway.result = &webhook.Result{Message: "builds already scheduled", Builds: []webhook.ScheduledBuild{}}

	rec := w.do(http.MethodPost, "/", `{"object_kind":"tag_push","ref":"refs/tags/2.1.0"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"builds already scheduled","builds":[]}`, rec.Body.String())
}

func TestWebhookRejectedDeliveryAcknowledged(t *testing.T) {
	w := newAPIWorld()
	w.gateway.err = &webhook.RejectionError{Reason: "repository fake-server not enabled"}

	rec := w.do(http.MethodPost, "/", `{"object_kind":"push"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"repository fake-server not enabled"}`, rec.Body.String())
}

func TestWebhookInvalidRefRejected(t *testing.T) {
	w := newAPIWorld()
	w.gateway.err = fmt.Errorf("%w: %q", webhook.ErrInvalidRef, "refs/heads/main")

	rec := w.do(http.MethodPost, "/", `{"object_kind":"tag_push","ref":"refs/heads/main"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "ref is not a tag")
}

func TestWebhookMalformedPayload(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodPost, "/", `{not json`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid payload", errorMessage(t, rec))
	assert.Zero(t, w.gateway.calls)
}

func TestWebhookGatewayFailure(t *testing.T) {
	w := newAPIWorld()
	w.gateway.err = errors.New("connection refused")

	rec := w.do(http.MethodPost, "/", `{"object_kind":"tag_push","ref":"refs/tags/2.1.0"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "scheduling builds failed", errorMessage(t, rec))
}

func TestInstallScopeRouting(t *testing.T) {
	tests := []struct {
		name string
		path string
		want installer.Request
	}{
		{
			name: "global",
			path: "/v2/cs/installations",
			want: installer.Request{Type: types.InstallGlobal},
		},
		{
			name: "facility",
			path: "/v2/cs/facilities/fermi/installations",
			want: installer.Request{Type: types.InstallFacility, Facility: "fermi"},
		},
		{
			name: "host",
			path: "/v2/cs/facilities/fermi/hosts/tango01/installations",
			want: installer.Request{Type: types.InstallHost, Facility: "fermi", Host: "tango01"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newAPIWorld()
			w.installer.records = []installer.Record{
				{Facility: "fermi", Host: "tango01", Repository: "fake-server", Tag: "2.1.0", Author: "mrossi"},
			}

			rec := w.do(http.MethodPost, tt.path, `{"repository":"fake-server","tag":"2.1.0"}`, asOperator)

			require.Equal(t, http.StatusOK, rec.Code)
			want := tt.want
			want.Username = "mrossi"
			want.Repository = "fake-server"
			want.Tag = "2.1.0"
			assert.Equal(t, want, w.installer.req)

			var records []installer.Record
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
			require.Len(t, records, 1)
			assert.Equal(t, "tango01", records[0].Host)
		})
	}
}

func TestInstallWithoutCredentials(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodPost, "/v2/cs/installations", `{"repository":"fake-server","tag":"2.1.0"}`)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing authorization header", errorMessage(t, rec))
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Zero(t, w.installer.calls)
}

func TestInstallMalformedAuthorization(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodPost, "/v2/cs/installations", `{"repository":"fake-server","tag":"2.1.0"}`, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer nope")
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", errorMessage(t, rec))
	assert.Zero(t, w.installer.calls)
}

func TestInstallUnknownUser(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodPost, "/v2/cs/installations", `{"repository":"fake-server","tag":"2.1.0"}`, func(req *http.Request) {
		req.SetBasicAuth("intruder", "guess")
	})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "User not enabled", errorMessage(t, rec))
	assert.Zero(t, w.installer.calls)
}

func TestInstallBindFailure(t *testing.T) {
	w := newAPIWorld()
	bind := func(_ context.Context, username, password string) error {
		return errors.New("invalid credentials")
	}
	w.server = NewServer(w.gateway, w.installer, w.reporter, NewCatalogAuthenticator(w.directory, bind))

	rec := w.do(http.MethodPost, "/v2/cs/installations", `{"repository":"fake-server","tag":"2.1.0"}`, asOperator)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Authentication failed", errorMessage(t, rec))
	assert.Zero(t, w.installer.calls)
}

func TestInstallBodyValidation(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodPost, "/v2/cs/installations", `{"repository":"","tag":"2.1.0"}`, asOperator)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "repository and tag are required", errorMessage(t, rec))

	rec = w.do(http.MethodPost, "/v2/cs/installations", `{broken`, asOperator)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", errorMessage(t, rec))

	assert.Zero(t, w.installer.calls)
}

func TestInstallErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{
			name:    "catalog miss",
			err:     &installer.NotFoundError{Message: "Build not available for fake-server tag 2.1.0. Check annotated tag."},
			code:    http.StatusNotFound,
			message: "Build not available for fake-server tag 2.1.0. Check annotated tag.",
		},
		{
			name:    "remote failure",
			err:     &installer.RemoteError{Server: "srv01", Err: errors.New("connection timed out")},
			code:    http.StatusBadGateway,
			message: "installing on srv01: connection timed out",
		},
		{
			name:    "internal failure",
			err:     errors.New("transaction aborted"),
			code:    http.StatusInternalServerError,
			message: "installation failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newAPIWorld()
			w.installer.err = tt.err

			rec := w.do(http.MethodPost, "/v2/cs/installations", `{"repository":"fake-server","tag":"2.1.0"}`, asOperator)

			require.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.message, errorMessage(t, rec))
		})
	}
}

func TestInstallationReportModes(t *testing.T) {
	w := newAPIWorld()
	w.reporter.reports = []catalog.InstallationReport{
		{ID: 1, Host: "tango01", Facility: "fermi", Repository: "fake-server", Tag: "2.1.0"},
	}
	w.reporter.history = []catalog.InstallationReport{
		{ID: 1}, {ID: 2},
	}

	rec := w.do(http.MethodGet, "/v2/cs/installations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []bool{false}, w.reporter.diffOnly)

	rec = w.do(http.MethodGet, "/v2/cs/installations?mode=diff", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []bool{false, true}, w.reporter.diffOnly)

	rec = w.do(http.MethodGet, "/v2/cs/installations?mode=history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, w.reporter.historyCalls)
	var history []catalog.InstallationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 2)

	rec = w.do(http.MethodGet, "/v2/cs/installations?mode=everything", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "mode must be status, diff or history", errorMessage(t, rec))
}

func TestInstallationReportEmpty(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodGet, "/v2/cs/installations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestInstallationReportFailure(t *testing.T) {
	w := newAPIWorld()
	w.reporter.reportErr = errors.New("connection refused")

	rec := w.do(http.MethodGet, "/v2/cs/installations", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "listing installations failed", errorMessage(t, rec))
}

func TestHostFiles(t *testing.T) {
	w := newAPIWorld()
	w.reporter.host = types.Host{ID: 12, Name: "tango01"}
	w.reporter.files = []catalog.HostFile{
		{Repository: "fake-server", Tag: "2.1.0", Filename: "ds/fake-server"},
	}

	rec := w.do(http.MethodGet, "/v2/cs/hosts/tango01/files", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var files []catalog.HostFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "ds/fake-server", files[0].Filename)
}

func TestHostFilesUnknownHost(t *testing.T) {
	w := newAPIWorld()
	w.reporter.hostErr = fmt.Errorf("host %q: %w", "ghost", catalog.ErrNotFound)

	rec := w.do(http.MethodGet, "/v2/cs/hosts/ghost/files", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Host not found", errorMessage(t, rec))
}

func TestBuildListFilterParsing(t *testing.T) {
	w := newAPIWorld()
	w.reporter.builds = []types.Build{{ID: 41, Tag: "2.1.0", Status: types.BuildSuccess}}

	rec := w.do(http.MethodGet, "/v2/cs/builds?repository=fake-server&tag=2.1.0&limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, catalog.BuildListFilter{Repository: "fake-server", Tag: "2.1.0", Limit: 5}, w.reporter.filter)

	var builds []types.Build
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &builds))
	require.Len(t, builds, 1)
	assert.Equal(t, int64(41), builds[0].ID)
}

func TestBuildListRejectsBadLimit(t *testing.T) {
	w := newAPIWorld()

	for _, limit := range []string{"abc", "0", "-3"} {
		rec := w.do(http.MethodGet, "/v2/cs/builds?limit="+limit, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit %q", limit)
		assert.Equal(t, "limit must be a positive integer", errorMessage(t, rec))
	}
}

func TestBuildByID(t *testing.T) {
	w := newAPIWorld()
	w.reporter.build = types.Build{ID: 41, RepositoryID: 3, PlatformID: 1, Tag: "2.1.0", Status: types.BuildSuccess}

	rec := w.do(http.MethodGet, "/v2/cs/builds/41", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var build types.Build
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &build))
	assert.Equal(t, int64(41), build.ID)
	assert.Equal(t, types.BuildSuccess, build.Status)
}

func TestBuildByIDNotFound(t *testing.T) {
	w := newAPIWorld()
	w.reporter.buildErr = fmt.Errorf("build 999: %w", catalog.ErrNotFound)

	rec := w.do(http.MethodGet, "/v2/cs/builds/999", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Build not found", errorMessage(t, rec))
}

func TestBuildByIDInvalid(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodGet, "/v2/cs/builds/latest", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid build id", errorMessage(t, rec))
}

func TestBuildArtifacts(t *testing.T) {
	w := newAPIWorld()
	w.reporter.build = types.Build{ID: 41}
	hash := "36f028580bb02cc8272a9a020f4200e346e276ae664e45ee80745574e2f5ab80"
	w.reporter.artifacts = []types.Artifact{
		{ID: 7, BuildID: 41, Filename: "bin/fake-server", Hash: &hash},
	}

	rec := w.do(http.MethodGet, "/v2/cs/builds/41/artifacts", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var artifacts []types.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifacts))
	require.Len(t, artifacts, 1)
	assert.Equal(t, "bin/fake-server", artifacts[0].Filename)
}

func TestBuildArtifactsEmpty(t *testing.T) {
	w := newAPIWorld()
	w.reporter.build = types.Build{ID: 41}

	rec := w.do(http.MethodGet, "/v2/cs/builds/41/artifacts", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthReflectsCatalog(t *testing.T) {
	w := newAPIWorld()
	w.reporter.pingErr = errors.New("connection refused")

	rec := w.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health["status"])

	w.reporter.pingErr = nil
	rec = w.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestRequestIDHeader(t *testing.T) {
	w := newAPIWorld()

	rec := w.do(http.MethodGet, "/v2/cs/installations", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = w.do(http.MethodGet, "/v2/cs/installations", "", func(req *http.Request) {
		req.Header.Set("X-Request-Id", "trace-me-42")
	})
	assert.Equal(t, "trace-me-42", rec.Header().Get("X-Request-Id"))
}

func TestPanicRecovered(t *testing.T) {
	w := newAPIWorld()
	w.gateway.panics = true

	rec := w.do(http.MethodPost, "/", `{"object_kind":"tag_push","ref":"refs/tags/2.1.0"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", errorMessage(t, rec))
}
