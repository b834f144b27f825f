package catalog

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// Seed is the operator bootstrap document: the catalog rows normally
// owned by the admin surface, loadable from YAML so a fresh deployment
// is usable without it.
type Seed struct {
	Platforms    []SeedPlatform   `yaml:"platforms"`
	Facilities   []string         `yaml:"facilities"`
	Builders     []SeedBuilder    `yaml:"builders"`
	Servers      []SeedServer     `yaml:"servers"`
	Hosts        []SeedHost       `yaml:"hosts"`
	Repositories []SeedRepository `yaml:"repositories"`
	Users        []SeedUser       `yaml:"users"`
}

type SeedPlatform struct {
	Distribution string `yaml:"distribution"`
	Version      string `yaml:"version"`
	Architecture string `yaml:"architecture"`
}

// Key is the reference syntax other seed entries use for a platform.
func (p SeedPlatform) Key() string {
	return p.Distribution + "/" + p.Version + "/" + p.Architecture
}

type SeedBuilder struct {
	Platform    string `yaml:"platform"`
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

type SeedServer struct {
	Platform string `yaml:"platform"`
	Name     string `yaml:"name"`
	Prefix   string `yaml:"prefix"`
}

type SeedHost struct {
	Name     string `yaml:"name"`
	Facility string `yaml:"facility"`
	Server   string `yaml:"server"`
}

type SeedRepository struct {
	Platform    string `yaml:"platform"`
	ProviderURL string `yaml:"provider_url"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Destination string `yaml:"destination"`
	Enabled     *bool  `yaml:"enabled"`
}

type SeedUser struct {
	Name   string `yaml:"name"`
	Admin  bool   `yaml:"admin"`
	Notify bool   `yaml:"notify"`
}

// LoadSeed parses and validates a seed document.
func LoadSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}

	platforms := make(map[string]bool, len(seed.Platforms))
	for _, p := range seed.Platforms {
		if p.Distribution == "" || p.Version == "" || p.Architecture == "" {
			return nil, fmt.Errorf("platform %q: distribution, version and architecture are required", p.Key())
		}
		platforms[p.Key()] = true
	}
	for _, b := range seed.Builders {
		if !platforms[b.Platform] {
			return nil, fmt.Errorf("builder %q references unknown platform %q", b.Name, b.Platform)
		}
	}
	for _, s := range seed.Servers {
		if !platforms[s.Platform] {
			return nil, fmt.Errorf("server %q references unknown platform %q", s.Name, s.Platform)
		}
		if !strings.HasSuffix(s.Prefix, "/") {
			return nil, fmt.Errorf("server %q: prefix must end with /", s.Name)
		}
	}
	for _, r := range seed.Repositories {
		if !platforms[r.Platform] {
			return nil, fmt.Errorf("repository %q references unknown platform %q", r.Name, r.Platform)
		}
		if _, err := types.ParseRepositoryType(r.Type); err != nil {
			return nil, fmt.Errorf("repository %q: %w", r.Name, err)
		}
	}
	return &seed, nil
}

// ApplySeed upserts the seed rows in one transaction, keyed by the
// natural unique constraints so re-running a seed converges instead of
// duplicating.
func (c *Catalog) ApplySeed(ctx context.Context, seed *Seed) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	platformIDs := make(map[string]int64, len(seed.Platforms))
	for _, p := range seed.Platforms {
		var id int64
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO platforms (distribution, version, architecture)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (distribution, version, architecture)
			 DO UPDATE SET distribution = EXCLUDED.distribution
			 RETURNING id`,
			p.Distribution, p.Version, p.Architecture).Scan(&id)
		if err != nil {
			return fmt.Errorf("seeding platform %q: %w", p.Key(), err)
		}
		platformIDs[p.Key()] = id
	}

	facilityIDs := make(map[string]int64, len(seed.Facilities))
	for _, name := range seed.Facilities {
		var id int64
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO facilities (name) VALUES ($1)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id`, name).Scan(&id)
		if err != nil {
			return fmt.Errorf("seeding facility %q: %w", name, err)
		}
		facilityIDs[name] = id
	}

	for _, b := range seed.Builders {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO builders (platform_id, name, environment)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (platform_id, name)
			 DO UPDATE SET environment = EXCLUDED.environment`,
			platformIDs[b.Platform], b.Name, b.Environment)
		if err != nil {
			return fmt.Errorf("seeding builder %q: %w", b.Name, err)
		}
	}

	serverIDs := make(map[string]int64, len(seed.Servers))
	serverPlatform := make(map[string]int64, len(seed.Servers))
	for _, s := range seed.Servers {
		var id int64
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO servers (platform_id, name, prefix)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (platform_id, name)
			 DO UPDATE SET prefix = EXCLUDED.prefix
			 RETURNING id`,
			platformIDs[s.Platform], s.Name, s.Prefix).Scan(&id)
		if err != nil {
			return fmt.Errorf("seeding server %q: %w", s.Name, err)
		}
		serverIDs[s.Name] = id
		serverPlatform[s.Name] = platformIDs[s.Platform]
	}

	for _, h := range seed.Hosts {
		serverID, ok := serverIDs[h.Server]
		if !ok {
			return fmt.Errorf("host %q references unknown server %q", h.Name, h.Server)
		}
		facilityID, ok := facilityIDs[h.Facility]
		if !ok {
			return fmt.Errorf("host %q references unknown facility %q", h.Name, h.Facility)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hosts (facility_id, server_id, platform_id, name)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (name)
			 DO UPDATE SET facility_id = EXCLUDED.facility_id,
			               server_id = EXCLUDED.server_id,
			               platform_id = EXCLUDED.platform_id`,
			facilityID, serverID, serverPlatform[h.Server], h.Name)
		if err != nil {
			return fmt.Errorf("seeding host %q: %w", h.Name, err)
		}
	}

	for _, r := range seed.Repositories {
		repoType, err := types.ParseRepositoryType(r.Type)
		if err != nil {
			return fmt.Errorf("seeding repository %q: %w", r.Name, err)
		}
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO repositories (platform_id, provider_url, name, type, destination, enabled)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (platform_id, name)
			 DO UPDATE SET provider_url = EXCLUDED.provider_url,
			               type = EXCLUDED.type,
			               destination = EXCLUDED.destination,
			               enabled = EXCLUDED.enabled`,
			platformIDs[r.Platform], r.ProviderURL, r.Name, repoType, r.Destination, enabled)
		if err != nil {
			return fmt.Errorf("seeding repository %q: %w", r.Name, err)
		}
	}

	for _, u := range seed.Users {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (name, admin, notify)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (name)
			 DO UPDATE SET admin = EXCLUDED.admin, notify = EXCLUDED.notify`,
			u.Name, u.Admin, u.Notify)
		if err != nil {
			return fmt.Errorf("seeding user %q: %w", u.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing seed: %w", err)
	}

	c.logger.Info().
		Int("platforms", len(seed.Platforms)).
		Int("facilities", len(seed.Facilities)).
		Int("builders", len(seed.Builders)).
		Int("servers", len(seed.Servers)).
		Int("hosts", len(seed.Hosts)).
		Int("repositories", len(seed.Repositories)).
		Int("users", len(seed.Users)).
		Msg("seed applied")
	return nil
}
