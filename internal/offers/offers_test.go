package offers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAcceptOffer(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	offer, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "driver-a", offer.DriverID)
	assert.True(t, offer.ExpiresAt.After(offer.OfferedAt))

	active, err := s.ActiveOffer(ctx, "ride-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "driver-a", active.DriverID)

	ok, err := s.AcceptOffer(ctx, "ride-1", "driver-a")
	require.NoError(t, err)
	assert.True(t, ok)

	active, err = s.ActiveOffer(ctx, "ride-1")
	require.NoError(t, err)
	assert.Nil(t, active, "accepted offer must be gone")
}

func TestAcceptByWrongDriverFails(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	_, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)

	ok, err := s.AcceptOffer(ctx, "ride-1", "driver-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// the real offeree can still accept
	ok, err = s.AcceptOffer(ctx, "ride-1", "driver-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcceptWithNoActiveOffer(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	ok, err := s.AcceptOffer(ctx, "ride-1", "driver-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelOfferRecordsRejection(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	_, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)

	driverID, err := s.CancelOffer(ctx, "ride-1", "rejected")
	require.NoError(t, err)
	assert.Equal(t, "driver-a", driverID)

	rejected, err := s.RejectedDrivers(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"driver-a"}, rejected)

	// second cancel is a benign no-op
	driverID, err = s.CancelOffer(ctx, "ride-1", "timeout")
	require.NoError(t, err)
	assert.Empty(t, driverID)
}

func TestOfferedSetOutlivesTheOfferKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	_, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)
	_, err = s.CancelOffer(ctx, "ride-1", "rejected")
	require.NoError(t, err)
	_, err = s.CreateOffer(ctx, "ride-1", "driver-b", time.Minute)
	require.NoError(t, err)

	for _, d := range []string{"driver-a", "driver-b"} {
		ok, err := s.HasBeenOffered(ctx, "ride-1", d)
		require.NoError(t, err)
		assert.True(t, ok, d)
	}
	offered, err := s.OfferedDrivers(ctx, "ride-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"driver-a", "driver-b"}, offered)
}

func TestRemainingTTL(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	d, err := s.RemainingTTL(ctx, "ride-1")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)

	d, err = s.RemainingTTL(ctx, "ride-1")
	require.NoError(t, err)
	assert.Positive(t, d)
}

func TestCleanupRemovesAllState(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	_, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)
	_, err = s.CancelOffer(ctx, "ride-1", "rejected")
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(ctx, "ride-1"))

	active, err := s.ActiveOffer(ctx, "ride-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	offered, err := s.OfferedDrivers(ctx, "ride-1")
	require.NoError(t, err)
	assert.Empty(t, offered)
	rejected, err := s.RejectedDrivers(ctx, "ride-1")
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestExpirationsDeliverLapsedOffers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStore(NewMemory())

	expired, err := s.Expirations(ctx)
	require.NoError(t, err)

	_, err = s.CreateOffer(ctx, "ride-1", "driver-a", 20*time.Millisecond)
	require.NoError(t, err)

	select {
	case rideID := <-expired:
		assert.Equal(t, "ride-1", rideID)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not delivered")
	}
}

func TestAcceptedOfferDoesNotExpire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStore(NewMemory())

	expired, err := s.Expirations(ctx)
	require.NoError(t, err)

	_, err = s.CreateOffer(ctx, "ride-1", "driver-a", 30*time.Millisecond)
	require.NoError(t, err)
	ok, err := s.AcceptOffer(ctx, "ride-1", "driver-a")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case rideID := <-expired:
		t.Fatalf("unexpected expiry for %s after acceptance", rideID)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestExpiryThenAcceptLosesCleanly(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemory())

	_, err := s.CreateOffer(ctx, "ride-1", "driver-a", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ok, err := s.AcceptOffer(ctx, "ride-1", "driver-a")
	require.NoError(t, err)
	assert.False(t, ok, "accept after the key lapsed must lose")
}

func TestMemoryInstancesAreIndependent(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory(), NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = a.Set(ctx, "k", "va", time.Minute)
		}()
		go func() {
			defer wg.Done()
			_ = b.Set(ctx, "k", "vb", time.Minute)
		}()
	}
	wg.Wait()

	va, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "va", va)
	vb, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "vb", vb)
}

func TestDelIfEqual(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", "v1", time.Minute))

	ok, err := m.DelIfEqual(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, ok, "mismatched value must not delete")
	_, err = m.Get(ctx, "k")
	require.NoError(t, err)

	ok, err = m.DelIfEqual(ctx, "k", "v1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = m.DelIfEqual(ctx, "k", "v1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")
}

func TestAcceptAndCancelHaveExactlyOneWinner(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		s := NewStore(NewMemory())
		_, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
		require.NoError(t, err)

		var accepted bool
		var cancelled string
		done := make(chan struct{}, 2)
		go func() {
			accepted, _ = s.AcceptOffer(ctx, "ride-1", "driver-a")
			done <- struct{}{}
		}()
		go func() {
			cancelled, _ = s.CancelOffer(ctx, "ride-1", "timeout")
			done <- struct{}{}
		}()
		<-done
		<-done

		if accepted == (cancelled != "") {
			t.Fatalf("iteration %d: accepted=%v cancelled=%q, exactly one side must win", i, accepted, cancelled)
		}
		rejected, err := s.RejectedDrivers(ctx, "ride-1")
		require.NoError(t, err)
		if accepted {
			assert.Empty(t, rejected, "a losing cancel must not record a rejection")
		} else {
			assert.Equal(t, []string{"driver-a"}, rejected)
		}
	}
}

func TestAcceptLosesToConcurrentReplacement(t *testing.T) {
	ctx := context.Background()
	ks := NewMemory()
	s := NewStore(ks)

	_, err := s.CreateOffer(ctx, "ride-1", "driver-a", time.Minute)
	require.NoError(t, err)
	raw, err := ks.Get(ctx, "ride:offer:ride-1")
	require.NoError(t, err)

	// the offer is resolved and a new one opens before the old claim lands
	_, err = s.CancelOffer(ctx, "ride-1", "timeout")
	require.NoError(t, err)
	_, err = s.CreateOffer(ctx, "ride-1", "driver-b", time.Minute)
	require.NoError(t, err)

	won, err := ks.DelIfEqual(ctx, "ride:offer:ride-1", raw)
	require.NoError(t, err)
	assert.False(t, won, "a stale claim must not take the new offer")

	active, err := s.ActiveOffer(ctx, "ride-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "driver-b", active.DriverID)
}

func TestRideIDFromKey(t *testing.T) {
	assert.Equal(t, "abc", RideIDFromKey("ride:offer:abc"))
	assert.Empty(t, RideIDFromKey("ride:offered:abc"))
	assert.Empty(t, RideIDFromKey("unrelated"))
}
