package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CapabilitiesForRoles(ctx context.Context, tx *sql.Tx, tenantID string, roles []string) ([]string, error) {
	args := m.Called(ctx, tx, tenantID, roles)
	caps, _ := args.Get(0).([]string)
	return caps, args.Error(1)
}

func TestCapabilitySetHas(t *testing.T) {
	set := NewCapabilitySet("job:*", "pipeline:hire", " ", "*")
	cases := map[string]bool{
		"job:create":     true,
		"job:delete":     true,
		"pipeline:hire":  true,
		"pipeline:move":  false,
		"settings:read":  false,
		"job":            false,
		"":               false,
		"jobs:create":    false,
		"pipeline:hire:": false,
	}
	for capability, want := range cases {
		assert.Equal(t, want, set.Has(capability), capability)
	}
	assert.Equal(t, []string{"*", "job:*", "pipeline:hire"}, set.List())
}

func TestServiceResolveUnionsRoles(t *testing.T) {
	store := &mockStore{}
	roles := []string{"recruiter", "hiring_manager"}
	store.On("CapabilitiesForRoles", mock.Anything, (*sql.Tx)(nil), "acme", roles).
		Return([]string{"pipeline:advance", "pipeline:*"}, nil).Once()

	svc := Service{Store: store}
	set, err := svc.Resolve(context.Background(), nil, "acme", roles)
	require.NoError(t, err)
	assert.True(t, set.Has("pipeline:hire"))
	assert.False(t, set.Has("settings:manage"))
	store.AssertExpectations(t)
}

func TestServiceResolveWithoutRoles(t *testing.T) {
	store := &mockStore{}
	set, err := Service{Store: store}.Resolve(context.Background(), nil, "acme", nil)
	require.NoError(t, err)
	assert.Empty(t, set)
	store.AssertNotCalled(t, "CapabilitiesForRoles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestServiceRequire(t *testing.T) {
	store := &mockStore{}
	store.On("CapabilitiesForRoles", mock.Anything, (*sql.Tx)(nil), "acme", []string{"recruiter"}).
		Return([]string{"pipeline:advance"}, nil)
	svc := Service{Store: store}

	require.NoError(t, svc.Require(context.Background(), nil, "acme", []string{"recruiter"}, "pipeline:advance"))

	err := svc.Require(context.Background(), nil, "acme", []string{"recruiter"}, "pipeline:hire")
	var forbidden ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, "pipeline:hire", forbidden.Capability)
}

func TestServiceResolvePropagatesStoreErrors(t *testing.T) {
	store := &mockStore{}
	store.On("CapabilitiesForRoles", mock.Anything, mock.Anything, "acme", []string{"admin"}).
		Return(nil, errors.New("boom"))
	_, err := Service{Store: store}.Resolve(context.Background(), nil, "acme", []string{"admin"})
	assert.EqualError(t, err, "boom")
}
