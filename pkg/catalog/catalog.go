package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gitlab.elettra.eu/cs/inau/pkg/log"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

var (
	// ErrNotFound is returned when a catalog lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateBuild is returned when a build already exists for
	// (repository_id, platform_id, tag). Webhook admission treats it
	// as idempotent success.
	ErrDuplicateBuild = errors.New("build already scheduled")
)

// Catalog is the relational state shared by all components. The core
// only appends builds, artifacts, and installations; the remaining
// tables are owned by the admin surface and read here.
type Catalog struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open connects to the catalog database.
func Open(ctx context.Context, dsn string) (*Catalog, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewWithDB(db.DB), nil
}

// NewWithDB wraps an existing database handle (tests use sqlmock).
func NewWithDB(db *sql.DB) *Catalog {
	return &Catalog{
		db:     sqlx.NewDb(db, "pgx"),
		logger: log.WithComponent("catalog"),
	}
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the catalog is reachable.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB exposes the raw handle for migrations.
func (c *Catalog) DB() *sql.DB {
	return c.db.DB
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// EnabledRepositoriesByName returns every enabled repository row whose
// name matches the project path, one per platform.
func (c *Catalog) EnabledRepositoriesByName(ctx context.Context, name string) ([]types.Repository, error) {
	var repos []types.Repository
	err := c.db.SelectContext(ctx, &repos,
		`SELECT id, platform_id, provider_url, name, type, destination, enabled
		 FROM repositories WHERE name = $1 AND enabled ORDER BY platform_id`, name)
	if err != nil {
		return nil, fmt.Errorf("selecting repositories %q: %w", name, err)
	}
	return repos, nil
}

// RepositoryByPlatformAndName resolves one enabled repository row.
func (c *Catalog) RepositoryByPlatformAndName(ctx context.Context, platformID int64, name string) (types.Repository, error) {
	var repo types.Repository
	err := c.db.GetContext(ctx, &repo,
		`SELECT id, platform_id, provider_url, name, type, destination, enabled
		 FROM repositories WHERE platform_id = $1 AND name = $2 AND enabled`, platformID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Repository{}, fmt.Errorf("repository %q on platform %d: %w", name, platformID, ErrNotFound)
	}
	if err != nil {
		return types.Repository{}, fmt.Errorf("selecting repository %q: %w", name, err)
	}
	return repo, nil
}

// PlatformByTriple resolves a platform by its identifying tuple.
func (c *Catalog) PlatformByTriple(ctx context.Context, distribution, version, architecture string) (types.Platform, error) {
	var p types.Platform
	err := c.db.GetContext(ctx, &p,
		`SELECT id, distribution, version, architecture
		 FROM platforms WHERE distribution = $1 AND version = $2 AND architecture = $3`,
		distribution, version, architecture)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Platform{}, fmt.Errorf("platform %s/%s/%s: %w", distribution, version, architecture, ErrNotFound)
	}
	if err != nil {
		return types.Platform{}, fmt.Errorf("selecting platform: %w", err)
	}
	return p, nil
}

// Platforms lists all build targets.
func (c *Catalog) Platforms(ctx context.Context) ([]types.Platform, error) {
	var platforms []types.Platform
	err := c.db.SelectContext(ctx, &platforms,
		`SELECT id, distribution, version, architecture FROM platforms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("selecting platforms: %w", err)
	}
	return platforms, nil
}

// Builders lists every configured builder; the pool builds one worker
// per row.
func (c *Catalog) Builders(ctx context.Context) ([]types.Builder, error) {
	var builders []types.Builder
	err := c.db.SelectContext(ctx, &builders,
		`SELECT id, platform_id, name, environment FROM builders ORDER BY platform_id, id`)
	if err != nil {
		return nil, fmt.Errorf("selecting builders: %w", err)
	}
	return builders, nil
}

// BuildersByPlatform lists the builders serving one platform.
func (c *Catalog) BuildersByPlatform(ctx context.Context, platformID int64) ([]types.Builder, error) {
	var builders []types.Builder
	err := c.db.SelectContext(ctx, &builders,
		`SELECT id, platform_id, name, environment FROM builders WHERE platform_id = $1 ORDER BY id`, platformID)
	if err != nil {
		return nil, fmt.Errorf("selecting builders for platform %d: %w", platformID, err)
	}
	return builders, nil
}

// ServersByPlatform lists the file servers of one platform.
func (c *Catalog) ServersByPlatform(ctx context.Context, platformID int64) ([]types.Server, error) {
	var servers []types.Server
	err := c.db.SelectContext(ctx, &servers,
		`SELECT id, platform_id, name, prefix FROM servers WHERE platform_id = $1 ORDER BY id`, platformID)
	if err != nil {
		return nil, fmt.Errorf("selecting servers for platform %d: %w", platformID, err)
	}
	return servers, nil
}

// ServerByID resolves one server.
func (c *Catalog) ServerByID(ctx context.Context, id int64) (types.Server, error) {
	var server types.Server
	err := c.db.GetContext(ctx, &server,
		`SELECT id, platform_id, name, prefix FROM servers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Server{}, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Server{}, fmt.Errorf("selecting server %d: %w", id, err)
	}
	return server, nil
}

// HostsByServer lists every host reading from one server.
func (c *Catalog) HostsByServer(ctx context.Context, serverID int64) ([]types.Host, error) {
	var hosts []types.Host
	err := c.db.SelectContext(ctx, &hosts,
		`SELECT id, facility_id, server_id, platform_id, name FROM hosts WHERE server_id = $1 ORDER BY id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("selecting hosts for server %d: %w", serverID, err)
	}
	return hosts, nil
}

// HostsByServerAndFacility lists the hosts of one facility on one server.
func (c *Catalog) HostsByServerAndFacility(ctx context.Context, serverID, facilityID int64) ([]types.Host, error) {
	var hosts []types.Host
	err := c.db.SelectContext(ctx, &hosts,
		`SELECT id, facility_id, server_id, platform_id, name
		 FROM hosts WHERE server_id = $1 AND facility_id = $2 ORDER BY id`, serverID, facilityID)
	if err != nil {
		return nil, fmt.Errorf("selecting hosts for server %d facility %d: %w", serverID, facilityID, err)
	}
	return hosts, nil
}

// HostByFacilityAndName resolves one host inside a facility.
func (c *Catalog) HostByFacilityAndName(ctx context.Context, facilityID int64, name string) (types.Host, error) {
	var host types.Host
	err := c.db.GetContext(ctx, &host,
		`SELECT id, facility_id, server_id, platform_id, name
		 FROM hosts WHERE facility_id = $1 AND name = $2`, facilityID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Host{}, fmt.Errorf("host %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return types.Host{}, fmt.Errorf("selecting host %q: %w", name, err)
	}
	return host, nil
}

// HostByName resolves one host by its unique name.
func (c *Catalog) HostByName(ctx context.Context, name string) (types.Host, error) {
	var host types.Host
	err := c.db.GetContext(ctx, &host,
		`SELECT id, facility_id, server_id, platform_id, name FROM hosts WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Host{}, fmt.Errorf("host %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return types.Host{}, fmt.Errorf("selecting host %q: %w", name, err)
	}
	return host, nil
}

// FacilityByName resolves a facility.
func (c *Catalog) FacilityByName(ctx context.Context, name string) (types.Facility, error) {
	var facility types.Facility
	err := c.db.GetContext(ctx, &facility,
		`SELECT id, name FROM facilities WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Facility{}, fmt.Errorf("facility %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return types.Facility{}, fmt.Errorf("selecting facility %q: %w", name, err)
	}
	return facility, nil
}

// FacilityByID resolves a facility by id.
func (c *Catalog) FacilityByID(ctx context.Context, id int64) (types.Facility, error) {
	var facility types.Facility
	err := c.db.GetContext(ctx, &facility,
		`SELECT id, name FROM facilities WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Facility{}, fmt.Errorf("facility %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Facility{}, fmt.Errorf("selecting facility %d: %w", id, err)
	}
	return facility, nil
}

// UserByName resolves one user (install authorization).
func (c *Catalog) UserByName(ctx context.Context, name string) (types.User, error) {
	var user types.User
	err := c.db.GetContext(ctx, &user,
		`SELECT id, name, admin, notify FROM users WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return types.User{}, fmt.Errorf("selecting user %q: %w", name, err)
	}
	return user, nil
}

// NotifiableUsers lists users who opted into build outcome mail.
func (c *Catalog) NotifiableUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := c.db.SelectContext(ctx, &users,
		`SELECT id, name, admin, notify FROM users WHERE notify ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("selecting notifiable users: %w", err)
	}
	return users, nil
}

// AdminUsers lists users who receive exception mail.
func (c *Catalog) AdminUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := c.db.SelectContext(ctx, &users,
		`SELECT id, name, admin, notify FROM users WHERE admin ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("selecting admin users: %w", err)
	}
	return users, nil
}
