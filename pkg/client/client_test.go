package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.elettra.eu/cs/inau/pkg/installer"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

func TestInstallScopePaths(t *testing.T) {
	tests := []struct {
		name string
		req  InstallRequest
		path string
	}{
		{
			name: "global",
			req:  InstallRequest{Repository: "cs/ds/fake-server", Tag: "2.1.0"},
			path: "/v2/cs/installations",
		},
		{
			name: "facility",
			req:  InstallRequest{Repository: "cs/ds/fake-server", Tag: "2.1.0", Facility: "fermi"},
			path: "/v2/cs/facilities/fermi/installations",
		},
		{
			name: "host",
			req:  InstallRequest{Repository: "cs/ds/fake-server", Tag: "2.1.0", Facility: "fermi", Host: "cpu-1.fcs.elettra.eu"},
			path: "/v2/cs/facilities/fermi/hosts/cpu-1.fcs.elettra.eu/installations",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotUser, gotPass string
			var gotBody map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotUser, gotPass, _ = r.BasicAuth()
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode([]installer.Record{
					{Facility: "fermi", Host: "cpu-1.fcs.elettra.eu", Repository: tt.req.Repository, Tag: tt.req.Tag, Author: "mrossi"},
				})
			}))
			defer srv.Close()

			c := NewWithBasicAuth(srv.URL, "mrossi", "secret")
			records, err := c.Install(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, tt.path, gotPath)
			assert.Equal(t, "mrossi", gotUser)
			assert.Equal(t, "secret", gotPass)
			assert.Equal(t, map[string]string{"repository": tt.req.Repository, "tag": tt.req.Tag}, gotBody)
			require.Len(t, records, 1)
			assert.Equal(t, "mrossi", records[0].Author)
		})
	}
}

func TestInstallRejectsHostWithoutFacility(t *testing.T) {
	c := New("http://localhost:8013")
	_, err := c.Install(context.Background(), InstallRequest{
		Repository: "cs/ds/fake-server",
		Tag:        "2.1.0",
		Host:       "cpu-1.fcs.elettra.eu",
	})
	require.ErrorContains(t, err, "requires a facility")
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Host not found"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).HostFiles(context.Background(), "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Host not found", apiErr.Message)
	assert.Equal(t, "Host not found (HTTP 404)", apiErr.Error())
}

func TestBuildsQueryComposition(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]types.Build{
			{ID: 41, RepositoryID: 3, PlatformID: 1, Tag: "2.1.0", Date: time.Now().UTC(), Status: types.BuildSuccess},
		})
	}))
	defer srv.Close()

	builds, err := New(srv.URL).Builds(context.Background(), "cs/ds/fake-server", "2.1.0", 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"cs/ds/fake-server"}, gotQuery["repository"])
	assert.Equal(t, []string{"2.1.0"}, gotQuery["tag"])
	assert.Equal(t, []string{"5"}, gotQuery["limit"])
	require.Len(t, builds, 1)
	assert.Equal(t, types.BuildSuccess, builds[0].Status)
}

func TestBuildFetchesArtifacts(t *testing.T) {
	hash := "36f028580bb02cc8272a9a020f4200e346e276ae664e45ee80745574e2f5ab80"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/cs/builds/41":
			_ = json.NewEncoder(w).Encode(types.Build{ID: 41, Tag: "2.1.0", Status: types.BuildSuccess})
		case "/v2/cs/builds/41/artifacts":
			_ = json.NewEncoder(w).Encode([]types.Artifact{
				{ID: 9, BuildID: 41, Filename: "ds/fake-server-2.1.0", Hash: &hash},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	build, err := c.Build(context.Background(), 41)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", build.Tag)

	artifacts, err := c.BuildArtifacts(context.Background(), 41)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.NotNil(t, artifacts[0].Hash)
	assert.Equal(t, hash, *artifacts[0].Hash)
}

func TestInstallationsMode(t *testing.T) {
	var gotMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMode = r.URL.Query().Get("mode")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	reports, err := New(srv.URL).Installations(context.Background(), "history")
	require.NoError(t, err)
	assert.Equal(t, "history", gotMode)
	assert.Empty(t, reports)
}
