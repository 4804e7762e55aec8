package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alamor/internal/pkg/utils"
	"alamor/internal/provision"
)

func TestFreeTrialOncePerUser(t *testing.T) {
	f := newFixture(t)
	srv, server := f.addPanel(t, "de", 1)
	ctx := context.Background()
	target := provision.ServerTargets(server.ID)

	used, err := f.trials.Used(ctx, 42)
	require.NoError(t, err)
	assert.False(t, used)

	a, err := f.trials.Claim(ctx, 42, target)
	require.NoError(t, err)
	assert.Equal(t, "free-test:42:1", a.Purchase.PaymentRef)
	assert.Equal(t, 1.0, a.Purchase.InitialVolumeGB)
	require.Len(t, srv.Clients(1), 1)
	assert.Equal(t, utils.GBToBytes(1), srv.Clients(1)[0].TotalGB)

	_, err = f.trials.Claim(ctx, 42, target)
	assert.True(t, errors.Is(err, ErrFreeTrialUsed))
	assert.Len(t, srv.Clients(1), 1)

	used, err = f.trials.Used(ctx, 42)
	require.NoError(t, err)
	assert.True(t, used)

	require.NoError(t, f.trials.Reset(ctx, 42))
	b, err := f.trials.Claim(ctx, 42, target)
	require.NoError(t, err)
	assert.Equal(t, "free-test:42:2", b.Purchase.PaymentRef)
	assert.Len(t, srv.Clients(1), 2)

	purchases, err := f.svc.ListByUser(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, purchases, 2)
}

func TestFreeTrialValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.trials.Claim(context.Background(), 0, provision.ServerTargets(1))
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.True(t, errors.Is(f.trials.Reset(context.Background(), 0), ErrInvalidRequest))
}
