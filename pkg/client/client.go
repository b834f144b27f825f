package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/installer"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// APIError is a non-2xx response decoded from the server's error
// envelope.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client calls the control plane HTTP API.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

// New returns a client for the API at base, e.g.
// "http://inau.elettra.eu:8013".
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// NewWithBasicAuth returns a client that authenticates every request.
// Installation requests require it.
func NewWithBasicAuth(base, username, password string) *Client {
	c := New(base)
	c.username = username
	c.password = password
	return c
}

// InstallRequest names the build to deliver and, optionally, the scope
// to narrow the delivery to. Host requires Facility.
type InstallRequest struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Facility   string `json:"-"`
	Host       string `json:"-"`
}

// Install requests an installation and returns the recorded deliveries.
func (c *Client) Install(ctx context.Context, req InstallRequest) ([]installer.Record, error) {
	if req.Host != "" && req.Facility == "" {
		return nil, fmt.Errorf("host %q requires a facility", req.Host)
	}
	path := "/v2/cs/installations"
	switch {
	case req.Host != "":
		path = "/v2/cs/facilities/" + url.PathEscape(req.Facility) +
			"/hosts/" + url.PathEscape(req.Host) + "/installations"
	case req.Facility != "":
		path = "/v2/cs/facilities/" + url.PathEscape(req.Facility) + "/installations"
	}

	var records []installer.Record
	if err := c.do(ctx, http.MethodPost, path, req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Installations fetches the installation report. Mode is "status",
// "diff" or "history"; empty means "status".
func (c *Client) Installations(ctx context.Context, mode string) ([]catalog.InstallationReport, error) {
	path := "/v2/cs/installations"
	if mode != "" {
		path += "?mode=" + url.QueryEscape(mode)
	}
	var reports []catalog.InstallationReport
	if err := c.do(ctx, http.MethodGet, path, nil, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// HostFiles lists the files currently installed on one host.
func (c *Client) HostFiles(ctx context.Context, host string) ([]catalog.HostFile, error) {
	var files []catalog.HostFile
	path := "/v2/cs/hosts/" + url.PathEscape(host) + "/files"
	if err := c.do(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Builds lists builds newest first, optionally filtered by repository
// name and tag.
func (c *Client) Builds(ctx context.Context, repository, tag string, limit int) ([]types.Build, error) {
	query := url.Values{}
	if repository != "" {
		query.Set("repository", repository)
	}
	if tag != "" {
		query.Set("tag", tag)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/v2/cs/builds"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var builds []types.Build
	if err := c.do(ctx, http.MethodGet, path, nil, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

// Build fetches one build with its captured output.
func (c *Client) Build(ctx context.Context, id int64) (types.Build, error) {
	var build types.Build
	path := "/v2/cs/builds/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &build); err != nil {
		return types.Build{}, err
	}
	return build, nil
}

// BuildArtifacts lists the artifacts one build produced.
func (c *Client) BuildArtifacts(ctx context.Context, id int64) ([]types.Artifact, error) {
	var artifacts []types.Artifact
	path := "/v2/cs/builds/" + strconv.FormatInt(id, 10) + "/artifacts"
	if err := c.do(ctx, http.MethodGet, path, nil, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
			message = envelope.Error
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}
