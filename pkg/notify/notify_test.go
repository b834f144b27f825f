package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

type fakeDirectory struct {
	notifiable []types.User
	admins     []types.User
}

func (d *fakeDirectory) NotifiableUsers(context.Context) ([]types.User, error) {
	return d.notifiable, nil
}

func (d *fakeDirectory) AdminUsers(context.Context) ([]types.User, error) {
	return d.admins, nil
}

func TestIntersectKeepsOnlyOptedIn(t *testing.T) {
	users := []types.User{
		{Name: "rossi", Notify: true},
		{Name: "bianchi", Notify: true},
	}
	emails := []string{
		"rossi@elettra.eu",
		"external@gmail.com",
		"verdi@elettra.eu",
	}
	got := intersect(emails, users, "elettra.eu")
	assert.Equal(t, []string{"rossi@elettra.eu"}, got)
}

func TestIntersectDeduplicates(t *testing.T) {
	users := []types.User{{Name: "rossi", Notify: true}}
	emails := []string{"rossi@elettra.eu", "rossi@elettra.eu", ""}
	got := intersect(emails, users, "elettra.eu")
	assert.Equal(t, []string{"rossi@elettra.eu"}, got)
}

func TestIntersectEmpty(t *testing.T) {
	assert.Empty(t, intersect(nil, nil, "elettra.eu"))
	assert.Empty(t, intersect([]string{"a@elettra.eu"}, nil, "elettra.eu"))
	assert.Empty(t, intersect(nil, []types.User{{Name: "a"}}, "elettra.eu"))
}

func TestTailTruncatesFromTheEnd(t *testing.T) {
	long := strings.Repeat("x", 6000) + "tail marker"
	got := tail(long, maxBodyChars)
	assert.Len(t, got, maxBodyChars)
	assert.True(t, strings.HasSuffix(got, "tail marker"))

	short := "all of it"
	assert.Equal(t, short, tail(short, maxBodyChars))
}

func TestDisabledMailerIsNoOp(t *testing.T) {
	m, err := New(Config{From: "inau@elettra.eu", Domain: "elettra.eu"}, &fakeDirectory{}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	job := types.Job{RepositoryName: "cs/ds/fake", Tag: "v1.0", NotifyEmails: []string{"rossi@elettra.eu"}}
	m.BuildOutcome(context.Background(), job, types.BuildFailed, "output", "builder01")
	m.Exception(context.Background(), "worker crashed", assert.AnError)
}

func TestNewWithRelay(t *testing.T) {
	m, err := New(Config{Host: "smtp.elettra.eu", From: "inau@elettra.eu", Domain: "elettra.eu"}, &fakeDirectory{}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, m.Enabled())
}
