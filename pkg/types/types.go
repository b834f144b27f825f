package types

import (
	"fmt"
	"io/fs"
	"time"
)

// RepositoryType classifies what a repository builds and how its
// artifacts are collected and installed.
type RepositoryType int16

const (
	RepoCPlusPlus RepositoryType = iota
	RepoPython
	RepoConfiguration
	RepoShellScript
	RepoLibrary
)

var repositoryTypeNames = map[RepositoryType]string{
	RepoCPlusPlus:     "CPLUSPLUS",
	RepoPython:        "PYTHON",
	RepoConfiguration: "CONFIGURATION",
	RepoShellScript:   "SHELLSCRIPT",
	RepoLibrary:       "LIBRARY",
}

func (t RepositoryType) String() string {
	if name, ok := repositoryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RepositoryType(%d)", int16(t))
}

// ParseRepositoryType resolves the canonical enum name.
func ParseRepositoryType(s string) (RepositoryType, error) {
	for t, name := range repositoryTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown repository type %q", s)
}

func (t RepositoryType) MarshalText() ([]byte, error) {
	name, ok := repositoryTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown repository type %d", int16(t))
	}
	return []byte(name), nil
}

func (t *RepositoryType) UnmarshalText(b []byte) error {
	parsed, err := ParseRepositoryType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// BuildStatus is the lifecycle state of a Build row. Transitions are
// monotonic: SCHEDULED -> RUNNING -> SUCCESS|FAILED. CANCELLED is set
// by operators out-of-band, never by the core.
type BuildStatus int16

const (
	BuildScheduled BuildStatus = iota
	BuildRunning
	BuildSuccess
	BuildFailed
	BuildCancelled
)

var buildStatusNames = map[BuildStatus]string{
	BuildScheduled: "SCHEDULED",
	BuildRunning:   "RUNNING",
	BuildSuccess:   "SUCCESS",
	BuildFailed:    "FAILED",
	BuildCancelled: "CANCELLED",
}

func (s BuildStatus) String() string {
	if name, ok := buildStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("BuildStatus(%d)", int16(s))
}

func ParseBuildStatus(v string) (BuildStatus, error) {
	for s, name := range buildStatusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown build status %q", v)
}

func (s BuildStatus) MarshalText() ([]byte, error) {
	name, ok := buildStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown build status %d", int16(s))
	}
	return []byte(name), nil
}

func (s *BuildStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseBuildStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether the status can no longer change.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailed || s == BuildCancelled
}

// InstallationType is the scope of one delivery event.
type InstallationType int16

const (
	InstallGlobal InstallationType = iota
	InstallFacility
	InstallHost
)

var installationTypeNames = map[InstallationType]string{
	InstallGlobal:   "GLOBAL",
	InstallFacility: "FACILITY",
	InstallHost:     "HOST",
}

func (t InstallationType) String() string {
	if name, ok := installationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("InstallationType(%d)", int16(t))
}

func ParseInstallationType(v string) (InstallationType, error) {
	for t, name := range installationTypeNames {
		if name == v {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown installation type %q", v)
}

func (t InstallationType) MarshalText() ([]byte, error) {
	name, ok := installationTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown installation type %d", int16(t))
	}
	return []byte(name), nil
}

func (t *InstallationType) UnmarshalText(b []byte) error {
	parsed, err := ParseInstallationType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Platform identifies a build target: one OS distribution release on
// one CPU architecture.
type Platform struct {
	ID           int64  `db:"id" json:"id"`
	Distribution string `db:"distribution" json:"distribution"`
	Version      string `db:"version" json:"version"`
	Architecture string `db:"architecture" json:"architecture"`
}

// Repository binds one upstream project to one platform. The same
// project may appear once per platform it is built for.
type Repository struct {
	ID          int64          `db:"id" json:"id"`
	PlatformID  int64          `db:"platform_id" json:"platform_id"`
	ProviderURL string         `db:"provider_url" json:"provider_url"`
	Name        string         `db:"name" json:"name"`
	Type        RepositoryType `db:"type" json:"type"`
	Destination string         `db:"destination" json:"destination"`
	Enabled     bool           `db:"enabled" json:"enabled"`
}

// Builder is a remote machine accepting build commands for one platform.
type Builder struct {
	ID          int64  `db:"id" json:"id"`
	PlatformID  int64  `db:"platform_id" json:"platform_id"`
	Name        string `db:"name" json:"name"`
	Environment string `db:"environment" json:"environment,omitempty"`
}

// Build is one attempt to produce artifacts for (repository, tag).
type Build struct {
	ID           int64       `db:"id" json:"id"`
	RepositoryID int64       `db:"repository_id" json:"repository_id"`
	PlatformID   int64       `db:"platform_id" json:"platform_id"`
	Tag          string      `db:"tag" json:"tag"`
	Date         time.Time   `db:"date" json:"date"`
	Status       BuildStatus `db:"status" json:"status"`
	Output       string      `db:"output" json:"output,omitempty"`
}

// Artifact is a single file produced by a build: either a regular file
// addressed by its SHA-256 digest, or a symbolic link. Exactly one of
// Hash and SymlinkTarget is set.
type Artifact struct {
	ID            int64     `db:"id" json:"id"`
	BuildID       int64     `db:"build_id" json:"build_id"`
	BuildDate     time.Time `db:"build_date" json:"build_date"`
	Filename      string    `db:"filename" json:"filename"`
	Hash          *string   `db:"hash" json:"hash,omitempty"`
	SymlinkTarget *string   `db:"symlink_target" json:"symlink_target,omitempty"`
}

// IsSymlink reports whether the artifact records a symbolic link.
func (a Artifact) IsSymlink() bool {
	return a.SymlinkTarget != nil
}

// Server is a remote file-serving machine; every installation for its
// platform lands under Prefix.
type Server struct {
	ID         int64  `db:"id" json:"id"`
	PlatformID int64  `db:"platform_id" json:"platform_id"`
	Name       string `db:"name" json:"name"`
	Prefix     string `db:"prefix" json:"prefix"`
}

// Facility groups hosts (an accelerator, a beamline, a lab).
type Facility struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Host is a named consumer of installations. Many hosts may share one
// server through per-host site subtrees.
type Host struct {
	ID         int64  `db:"id" json:"id"`
	FacilityID int64  `db:"facility_id" json:"facility_id"`
	ServerID   int64  `db:"server_id" json:"server_id"`
	PlatformID int64  `db:"platform_id" json:"platform_id"`
	Name       string `db:"name" json:"name"`
}

// User may request installations; Notify opts into build outcome mail,
// Admin receives exception mail.
type User struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Admin  bool   `db:"admin" json:"admin"`
	Notify bool   `db:"notify" json:"notify"`
}

// Installation is one temporal delivery record for one host. ValidTo is
// null while the row is the current installation of its (host,
// repository) pair.
type Installation struct {
	ID          int64            `db:"id" json:"id"`
	HostID      int64            `db:"host_id" json:"host_id"`
	UserID      int64            `db:"user_id" json:"user_id"`
	BuildID     int64            `db:"build_id" json:"build_id"`
	BuildDate   time.Time        `db:"build_date" json:"build_date"`
	Type        InstallationType `db:"type" json:"type"`
	InstallDate time.Time        `db:"install_date" json:"install_date"`
	ValidFrom   time.Time        `db:"valid_from" json:"valid_from"`
	ValidTo     *time.Time       `db:"valid_to" json:"valid_to,omitempty"`
}

// Job is the unit handed from the webhook gateway to a builder worker.
type Job struct {
	BuildID          int64
	RepositoryID     int64
	PlatformID       int64
	RepositoryName   string
	RepositorySSHURL string
	RepositoryType   RepositoryType
	Tag              string
	DefaultBranch    string
	NotifyEmails     []string
	DeliveryID       string
}

// TypeProfile describes, per repository type, where a successful build
// leaves its output, how artifacts are placed on servers, and whether
// the library install step and layout filter apply.
type TypeProfile struct {
	// OutputRoot is the directory under the build tree collected after
	// a successful make.
	OutputRoot string
	// MakeInstall adds the PREFIX=.install make install step.
	MakeInstall bool
	// Mode is the install(1) mode on servers; zero preserves the mode
	// recorded in the object store.
	Mode fs.FileMode
	// DirectPrefix places artifacts under the server prefix itself
	// instead of prefix+repository.destination.
	DirectPrefix bool
	// LibraryLayout applies the non-development lib/ and bin/ filter.
	LibraryLayout bool
}

var typeProfiles = map[RepositoryType]TypeProfile{
	RepoCPlusPlus:     {OutputRoot: "bin", Mode: 0o755},
	RepoPython:        {OutputRoot: "bin", Mode: 0o755},
	RepoShellScript:   {OutputRoot: "bin", Mode: 0o755},
	RepoConfiguration: {OutputRoot: "etc", Mode: 0o644},
	RepoLibrary:       {OutputRoot: ".install", MakeInstall: true, DirectPrefix: true, LibraryLayout: true},
}

// Profile returns the dispatch entry for the repository type.
func (t RepositoryType) Profile() TypeProfile {
	return typeProfiles[t]
}
