package market

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/model"
)

func newTestRegistry(t *testing.T) (*Registry, *chain.Bank) {
	t.Helper()
	bank := chain.NewBank()
	return NewRegistry(bank, "pool"), bank
}

func TestRegisterProviderLocksStake(t *testing.T) {
	r, bank := newTestRegistry(t)
	bank.Deposit("prov", 1000)

	p, err := r.RegisterProvider("prov", 400)
	require.NoError(t, err)
	require.EqualValues(t, 400, p.Stake)
	require.EqualValues(t, 600, bank.Balance("prov"))
	require.EqualValues(t, 400, bank.Locked("prov"))

	// re-registering tops up
	p, err = r.RegisterProvider("prov", 100)
	require.NoError(t, err)
	require.EqualValues(t, 500, p.Stake)

	_, err = r.RegisterProvider("broke", 10)
	require.ErrorIs(t, err, model.ErrInsufficientFunds)
	_, err = r.RegisterProvider("prov", 0)
	require.ErrorIs(t, err, model.ErrMalformedInput)
}

func TestPublishOfferSupersedes(t *testing.T) {
	r, bank := newTestRegistry(t)
	bank.Deposit("prov", 100)
	_, err := r.RegisterProvider("prov", 100)
	require.NoError(t, err)

	first, err := r.PublishOffer("prov", 20, "eu-west", 250)
	require.NoError(t, err)
	second, err := r.PublishOffer("prov", 15, "eu-west", 250)
	require.NoError(t, err)

	offers := r.ListOffers()
	require.Len(t, offers, 1)
	require.Equal(t, second.ID, offers[0].ID)

	hist := r.OfferHistory("prov")
	require.Len(t, hist, 2)
	require.Equal(t, first.ID, hist[0].ID)

	_, err = r.PublishOffer("ghost", 10, "us-east", 100)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestListOffersRanking(t *testing.T) {
	r, bank := newTestRegistry(t)
	for _, addr := range []model.Address{"good", "bad", "cheap"} {
		bank.Deposit(addr, 100)
		_, err := r.RegisterProvider(addr, 100)
		require.NoError(t, err)
	}
	_, err := r.PublishOffer("good", 30, "eu", 100)
	require.NoError(t, err)
	_, err = r.PublishOffer("bad", 10, "eu", 100)
	require.NoError(t, err)
	_, err = r.PublishOffer("cheap", 20, "eu", 100)
	require.NoError(t, err)

	r.RecordSuccess("good")
	r.RecordSuccess("good")
	r.RecordSuccess("bad")
	_, err = r.SlashForViolation("bad", 10)
	require.NoError(t, err)

	offers := r.ListOffers()
	require.Len(t, offers, 3)
	require.EqualValues(t, "good", offers[0].Provider)
	// bad and cheap both sit at score zero; cheap's lower price wins
	require.EqualValues(t, "cheap", offers[1].Provider)
	require.EqualValues(t, "bad", offers[2].Provider)
}

func TestReputationSlashDominatesSingleSuccess(t *testing.T) {
	r, bank := newTestRegistry(t)
	for _, addr := range []model.Address{"a", "b"} {
		bank.Deposit(addr, 100)
		_, err := r.RegisterProvider(addr, 100)
		require.NoError(t, err)
	}

	// a: two successes; b: one success then one slash
	r.RecordSuccess("a")
	r.RecordSuccess("a")
	r.RecordSuccess("b")
	_, err := r.SlashForViolation("b", 50)
	require.NoError(t, err)

	ra, err := r.Reputation("a")
	require.NoError(t, err)
	rb, err := r.Reputation("b")
	require.NoError(t, err)
	require.Less(t, rb.Score, ra.Score)
	require.GreaterOrEqual(t, rb.Score, int64(0))
}

func TestSlashForViolationSeizesStake(t *testing.T) {
	r, bank := newTestRegistry(t)
	bank.Deposit("prov", 200)
	_, err := r.RegisterProvider("prov", 200)
	require.NoError(t, err)

	seized, err := r.SlashForViolation("prov", 80)
	require.NoError(t, err)
	require.EqualValues(t, 80, seized)
	require.EqualValues(t, 80, bank.Balance("pool"))

	p, err := r.Provider("prov")
	require.NoError(t, err)
	require.EqualValues(t, 120, p.Stake)

	// over-slash seizes only what is locked
	seized, err = r.SlashForViolation("prov", 500)
	require.NoError(t, err)
	require.EqualValues(t, 120, seized)
	p, err = r.Provider("prov")
	require.NoError(t, err)
	require.EqualValues(t, 0, p.Stake)
}

func TestStartSLATakesLatestOfferBound(t *testing.T) {
	r, bank := newTestRegistry(t)
	bank.Deposit("prov", 100)
	_, err := r.RegisterProvider("prov", 100)
	require.NoError(t, err)

	dealID := uuid.New()

	// no offer yet means no latency commitment
	s, err := r.StartSLA("prov", dealID)
	require.NoError(t, err)
	require.EqualValues(t, 0, s.LatencyMs)

	_, err = r.PublishOffer("prov", 20, "eu", 250)
	require.NoError(t, err)
	_, err = r.PublishOffer("prov", 20, "eu", 150)
	require.NoError(t, err)

	s, err = r.StartSLA("prov", dealID)
	require.NoError(t, err)
	require.EqualValues(t, 150, s.LatencyMs)
	require.Equal(t, dealID, s.Deal)
	require.Len(t, r.SLAs("prov"), 2)

	_, err = r.StartSLA("ghost", dealID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestReportViolation(t *testing.T) {
	r, bank := newTestRegistry(t)
	bank.Deposit("prov", 100)
	_, err := r.RegisterProvider("prov", 100)
	require.NoError(t, err)

	v, err := r.ReportViolation("prov", "watcher", "latency above SLA")
	require.NoError(t, err)
	require.EqualValues(t, "watcher", v.Reporter)

	rec, err := r.Reputation("prov")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Violations)
	require.Len(t, r.Violations("prov"), 1)

	_, err = r.ReportViolation("ghost", "watcher", "x")
	require.ErrorIs(t, err, model.ErrNotFound)
}
