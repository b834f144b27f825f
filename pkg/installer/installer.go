package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/log"
	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// developmentFacility hosts receive the full library tree, cmake and
// pkgconfig files included.
const developmentFacility = "development"

// NotFoundError reports a request naming catalog rows that do not
// exist or that resolve to nothing installable.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// RemoteError reports a failure while staging or placing files on one
// server. Files already placed and rows already recorded for other
// servers remain.
type RemoteError struct {
	Server string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("installing on %s: %v", e.Server, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Catalog is the slice of the relational layer the installer reads
// and appends to.
type Catalog interface {
	UserByName(ctx context.Context, name string) (types.User, error)
	FacilityByName(ctx context.Context, name string) (types.Facility, error)
	FacilityByID(ctx context.Context, id int64) (types.Facility, error)
	HostByFacilityAndName(ctx context.Context, facilityID int64, name string) (types.Host, error)
	EnabledRepositoriesByName(ctx context.Context, name string) ([]types.Repository, error)
	RepositoryByPlatformAndName(ctx context.Context, platformID int64, name string) (types.Repository, error)
	ServersByPlatform(ctx context.Context, platformID int64) ([]types.Server, error)
	ServerByID(ctx context.Context, id int64) (types.Server, error)
	HostsByServer(ctx context.Context, serverID int64) ([]types.Host, error)
	HostsByServerAndFacility(ctx context.Context, serverID, facilityID int64) ([]types.Host, error)
	LatestSuccessfulBuild(ctx context.Context, repositoryID int64, tag string) (types.Build, error)
	ArtifactsByBuild(ctx context.Context, buildID int64) ([]types.Artifact, error)
	RecordInstallations(ctx context.Context, repositoryID int64, rows []types.Installation) error
}

// BlobStore fetches artifact contents by digest.
type BlobStore interface {
	Fetch(hash string) (io.ReadCloser, error)
}

// Session is one authenticated connection to a file server.
type Session interface {
	Run(ctx context.Context, command string) ([]byte, error)
	Put(ctx context.Context, r io.Reader, path string) error
	Close() error
}

// DialFunc opens a session to a server by hostname.
type DialFunc func(ctx context.Context, host string) (Session, error)

// Request is one installation order.
type Request struct {
	Username   string
	Repository string
	Tag        string
	Type       types.InstallationType
	Facility   string // FACILITY and HOST scopes
	Host       string // HOST scope only
}

// Record is one per-host confirmation row returned to the caller.
type Record struct {
	Facility   string    `json:"facility"`
	Host       string    `json:"host"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	Date       time.Time `json:"date"`
	Author     string    `json:"author"`
}

// Installer places built artifacts on file servers and records the
// deliveries in the catalog.
type Installer struct {
	catalog Catalog
	store   BlobStore
	dial    DialFunc
	logger  zerolog.Logger
}

// New wires an installer against the catalog, the object store and a
// session dialer.
func New(cat Catalog, store BlobStore, dial DialFunc) *Installer {
	return &Installer{
		catalog: cat,
		store:   store,
		dial:    dial,
		logger:  log.WithComponent("installer"),
	}
}

// hostTarget pairs a host with its facility name for reporting and
// the library layout filter.
type hostTarget struct {
	host     types.Host
	facility string
}

// serverTarget is one server to install on, the repository row of its
// platform, and the hosts recorded once placement succeeds.
type serverTarget struct {
	server types.Server
	repo   types.Repository
	hosts  []hostTarget
}

// Install delivers the latest successful build of (repository, tag)
// to every destination the request's scope selects, then appends one
// installation row per host. Servers proceed concurrently; the first
// failing server aborts the request, and files placed or rows
// recorded for other servers stay as the history of what was
// delivered.
func (ins *Installer) Install(ctx context.Context, req Request) ([]Record, error) {
	scope := strings.ToLower(req.Type.String())

	user, err := ins.catalog.UserByName(ctx, req.Username)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{Message: "User not found"}
		}
		return nil, err
	}

	targets, err := ins.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, &NotFoundError{Message: "No destinations found"}
	}

	ins.logger.Info().
		Str("repository", req.Repository).
		Str("tag", req.Tag).
		Str("scope", scope).
		Str("user", user.Name).
		Int("servers", len(targets)).
		Msg("installation requested")

	now := time.Now().UTC()
	records := make([][]Record, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			rows, err := ins.installOn(gctx, t, req, user, now)
			if err != nil {
				return err
			}
			records[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.InstallationsTotal.WithLabelValues(scope, "error").Inc()
		return nil, err
	}
	metrics.InstallationsTotal.WithLabelValues(scope, "ok").Inc()

	var out []Record
	for _, rows := range records {
		out = append(out, rows...)
	}
	return out, nil
}

func (ins *Installer) resolveTargets(ctx context.Context, req Request) ([]serverTarget, error) {
	switch req.Type {
	case types.InstallGlobal:
		return ins.globalTargets(ctx, req.Repository)
	case types.InstallFacility:
		return ins.facilityTargets(ctx, req.Repository, req.Facility)
	case types.InstallHost:
		return ins.hostScopeTarget(ctx, req.Repository, req.Facility, req.Host)
	default:
		return nil, fmt.Errorf("unknown installation type %d", req.Type)
	}
}

// globalTargets selects every host of every server whose platform has
// the enabled repository. Servers without hosts are skipped.
func (ins *Installer) globalTargets(ctx context.Context, name string) ([]serverTarget, error) {
	repos, err := ins.enabledRepositories(ctx, name)
	if err != nil {
		return nil, err
	}

	facilities := map[int64]string{}
	var targets []serverTarget
	for _, repo := range repos {
		servers, err := ins.catalog.ServersByPlatform(ctx, repo.PlatformID)
		if err != nil {
			return nil, err
		}
		for _, server := range servers {
			hosts, err := ins.catalog.HostsByServer(ctx, server.ID)
			if err != nil {
				return nil, err
			}
			if len(hosts) == 0 {
				continue
			}
			withFacilities, err := ins.attachFacilities(ctx, hosts, facilities)
			if err != nil {
				return nil, err
			}
			targets = append(targets, serverTarget{server: server, repo: repo, hosts: withFacilities})
		}
	}
	return targets, nil
}

// facilityTargets restricts the selection to hosts of one facility.
func (ins *Installer) facilityTargets(ctx context.Context, name, facilityName string) ([]serverTarget, error) {
	facility, err := ins.catalog.FacilityByName(ctx, facilityName)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{Message: "Facility not found"}
		}
		return nil, err
	}
	repos, err := ins.enabledRepositories(ctx, name)
	if err != nil {
		return nil, err
	}

	var targets []serverTarget
	for _, repo := range repos {
		servers, err := ins.catalog.ServersByPlatform(ctx, repo.PlatformID)
		if err != nil {
			return nil, err
		}
		for _, server := range servers {
			hosts, err := ins.catalog.HostsByServerAndFacility(ctx, server.ID, facility.ID)
			if err != nil {
				return nil, err
			}
			if len(hosts) == 0 {
				continue
			}
			withFacility := make([]hostTarget, 0, len(hosts))
			for _, h := range hosts {
				withFacility = append(withFacility, hostTarget{host: h, facility: facility.Name})
			}
			targets = append(targets, serverTarget{server: server, repo: repo, hosts: withFacility})
		}
	}
	return targets, nil
}

// hostScopeTarget selects exactly one host through its facility. A
// missing facility and a missing host are indistinguishable to the
// caller.
func (ins *Installer) hostScopeTarget(ctx context.Context, name, facilityName, hostName string) ([]serverTarget, error) {
	facility, err := ins.catalog.FacilityByName(ctx, facilityName)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{Message: "Host not found"}
		}
		return nil, err
	}
	host, err := ins.catalog.HostByFacilityAndName(ctx, facility.ID, hostName)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{Message: "Host not found"}
		}
		return nil, err
	}
	server, err := ins.catalog.ServerByID(ctx, host.ServerID)
	if err != nil {
		return nil, err
	}
	repo, err := ins.catalog.RepositoryByPlatformAndName(ctx, server.PlatformID, name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{Message: "Repository not found or not enabled"}
		}
		return nil, err
	}
	return []serverTarget{{
		server: server,
		repo:   repo,
		hosts:  []hostTarget{{host: host, facility: facility.Name}},
	}}, nil
}

func (ins *Installer) enabledRepositories(ctx context.Context, name string) ([]types.Repository, error) {
	repos, err := ins.catalog.EnabledRepositoriesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, &NotFoundError{Message: "Repository not found or not enabled"}
	}
	return repos, nil
}

func (ins *Installer) attachFacilities(ctx context.Context, hosts []types.Host, cache map[int64]string) ([]hostTarget, error) {
	out := make([]hostTarget, 0, len(hosts))
	for _, h := range hosts {
		name, ok := cache[h.FacilityID]
		if !ok {
			facility, err := ins.catalog.FacilityByID(ctx, h.FacilityID)
			if err != nil {
				return nil, err
			}
			name = facility.Name
			cache[h.FacilityID] = name
		}
		out = append(out, hostTarget{host: h, facility: name})
	}
	return out, nil
}

// installOn delivers the build to one server and records one
// installation row per host behind it.
func (ins *Installer) installOn(ctx context.Context, t serverTarget, req Request, user types.User, now time.Time) ([]Record, error) {
	build, err := ins.catalog.LatestSuccessfulBuild(ctx, t.repo.ID, req.Tag)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{
				Message: fmt.Sprintf("Build not available for %s tag %s. Check annotated tag.", t.repo.Name, req.Tag),
			}
		}
		return nil, err
	}
	artifacts, err := ins.catalog.ArtifactsByBuild(ctx, build.ID)
	if err != nil {
		return nil, err
	}
	if t.repo.Type.Profile().LibraryLayout && !allDevelopment(t.hosts) {
		artifacts = layoutArtifacts(artifacts)
	}

	logger := ins.logger.With().
		Str("server", t.server.Name).
		Str("repository", t.repo.Name).
		Str("tag", req.Tag).
		Logger()
	logger.Info().
		Int64("build_id", build.ID).
		Int("artifacts", len(artifacts)).
		Int("hosts", len(t.hosts)).
		Msg("installing")

	sess, err := ins.dial(ctx, t.server.Name)
	if err != nil {
		return nil, &RemoteError{Server: t.server.Name, Err: err}
	}
	defer sess.Close()

	for _, a := range artifacts {
		logger.Debug().Str("filename", a.Filename).Msg("placing artifact")
		if err := ins.place(ctx, sess, t, req.Type, a); err != nil {
			return nil, &RemoteError{Server: t.server.Name, Err: err}
		}
	}

	rows := make([]types.Installation, 0, len(t.hosts))
	for _, h := range t.hosts {
		rows = append(rows, types.Installation{
			HostID:    h.host.ID,
			UserID:    user.ID,
			BuildID:   build.ID,
			BuildDate: build.Date,
			Type:      req.Type,
		})
	}
	if err := ins.catalog.RecordInstallations(ctx, t.repo.ID, rows); err != nil {
		return nil, err
	}
	logger.Info().Int("hosts", len(t.hosts)).Msg("installation recorded")

	records := make([]Record, 0, len(t.hosts))
	for _, h := range t.hosts {
		records = append(records, Record{
			Facility:   h.facility,
			Host:       h.host.Name,
			Repository: t.repo.Name,
			Tag:        build.Tag,
			Date:       now,
			Author:     user.Name,
		})
	}
	return records, nil
}

// place stages one artifact and runs its placement commands. On
// success the staged copy in /tmp is removed best-effort.
func (ins *Installer) place(ctx context.Context, sess Session, t serverTarget, scope types.InstallationType, a types.Artifact) error {
	if a.IsSymlink() {
		return runCommands(ctx, sess, symlinkCommands(t.server, scope, t.hosts, a))
	}

	blob, err := ins.store.Fetch(*a.Hash)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", a.Filename, err)
	}
	staging := "/tmp/" + *a.Hash
	err = sess.Put(ctx, blob, staging)
	blob.Close()
	if err != nil {
		return fmt.Errorf("staging %s: %w", a.Filename, err)
	}

	if err := runCommands(ctx, sess, fileCommands(t.server, t.repo, scope, t.hosts, a)); err != nil {
		return err
	}
	_, _ = sess.Run(ctx, "rm "+staging)
	return nil
}

// command is one remote invocation. Unchecked commands may fail
// without failing the artifact: overlay globs that match nothing,
// directories that already exist.
type command struct {
	text    string
	checked bool
}

func runCommands(ctx context.Context, sess Session, commands []command) error {
	for _, c := range commands {
		output, err := sess.Run(ctx, c.text)
		if err == nil || !c.checked {
			continue
		}
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("%s: %s", c.text, msg)
		}
		return fmt.Errorf("%s: %w", c.text, err)
	}
	return nil
}

// fileCommands is the placement sequence for one regular file staged
// at /tmp/<hash>. Paths are literal concatenations: server prefixes
// end with a slash and destinations carry their own, so the fixed
// "/site/" segment can double a separator, which the shell collapses.
func fileCommands(server types.Server, repo types.Repository, scope types.InstallationType, hosts []hostTarget, a types.Artifact) []command {
	profile := repo.Type.Profile()
	staging := "/tmp/" + *a.Hash
	dir := parentDir(a.Filename)

	if scope == types.InstallGlobal || scope == types.InstallFacility {
		if profile.DirectPrefix {
			return []command{
				{text: "rm " + server.Prefix + "/site/*/" + a.Filename},
				{text: "install -d " + server.Prefix + dir},
				{text: "install " + staging + " " + server.Prefix + a.Filename, checked: true},
			}
		}
		return []command{
			{text: "rm " + server.Prefix + "/site/*/" + repo.Destination + a.Filename},
			{text: "install -d " + server.Prefix + repo.Destination + dir},
			{text: fmt.Sprintf("install -m%o %s %s", profile.Mode, staging, server.Prefix+repo.Destination+a.Filename), checked: true},
		}
	}

	var commands []command
	for _, h := range hosts {
		root := server.Prefix + "/site/" + h.host.Name + "/"
		if profile.DirectPrefix {
			commands = append(commands,
				command{text: "install -d " + root + dir},
				command{text: "install " + staging + " " + root + a.Filename, checked: true},
			)
		} else {
			commands = append(commands,
				command{text: "install -d " + root + repo.Destination + dir},
				command{text: fmt.Sprintf("install -m%o %s %s", profile.Mode, staging, root+repo.Destination+a.Filename), checked: true},
			)
		}
	}
	return commands
}

// symlinkCommands reconstitutes a symlink. The repository destination
// never applies to symlinks: link names and targets are both
// prefix-relative, exactly as the builder recorded them.
func symlinkCommands(server types.Server, scope types.InstallationType, hosts []hostTarget, a types.Artifact) []command {
	target := *a.SymlinkTarget
	if scope == types.InstallGlobal || scope == types.InstallFacility {
		return []command{
			{text: "rm " + server.Prefix + "/site/*/" + a.Filename},
			{text: "ln -sfn " + server.Prefix + target + " " + server.Prefix + a.Filename, checked: true},
		}
	}
	var commands []command
	for _, h := range hosts {
		root := server.Prefix + "/site/" + h.host.Name + "/"
		commands = append(commands, command{
			text:    "ln -sfn " + root + target + " " + root + a.Filename,
			checked: true,
		})
	}
	return commands
}

// parentDir is the directory component of a relative filename, empty
// for top-level files so the bare placement root gets created.
func parentDir(filename string) string {
	if dir := path.Dir(filename); dir != "." {
		return dir
	}
	return ""
}

// layoutArtifacts restricts a library install to the runtime layout:
// the lib/ and bin/ subtrees minus cmake and pkgconfig files.
func layoutArtifacts(artifacts []types.Artifact) []types.Artifact {
	kept := make([]types.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if strings.HasPrefix(a.Filename, "lib/cmake") || strings.HasPrefix(a.Filename, "lib/pkgconfig") {
			continue
		}
		if strings.HasPrefix(a.Filename, "lib/") || strings.HasPrefix(a.Filename, "bin/") {
			kept = append(kept, a)
		}
	}
	return kept
}

// allDevelopment reports whether every destination host belongs to the
// development facility.
func allDevelopment(hosts []hostTarget) bool {
	for _, h := range hosts {
		if h.facility != developmentFacility {
			return false
		}
	}
	return true
}
