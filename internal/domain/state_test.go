package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

var allStates = []domain.TradeState{
	domain.StateAssign,
	domain.StateRunning,
	domain.StateHedgeHold,
	domain.StateHedgeClose,
	domain.StateHedgeRelease,
	domain.StateClose,
}

func TestCanTransition_Table(t *testing.T) {
	allowed := map[domain.TradeState][]domain.TradeState{
		domain.StateAssign:       {domain.StateRunning, domain.StateClose},
		domain.StateRunning:      {domain.StateHedgeHold, domain.StateHedgeClose, domain.StateClose},
		domain.StateHedgeHold:    {domain.StateHedgeRelease, domain.StateClose},
		domain.StateHedgeRelease: {domain.StateRunning, domain.StateClose},
		domain.StateHedgeClose:   {domain.StateRunning, domain.StateClose},
		domain.StateClose:        nil,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestTransition_CloseIsAbsorbing(t *testing.T) {
	p := domain.Position{ID: "p1", State: domain.StateRunning}
	now := time.Now()
	require.NoError(t, p.Transition(domain.StateClose, "stop hit", now))
	assert.Equal(t, "stop hit", p.CloseReason)
	assert.Equal(t, now, p.ClosedAt)

	for _, to := range allStates {
		err := p.Transition(to, "again", now)
		require.ErrorIs(t, err, domain.ErrPositionClosed)
		assert.Equal(t, domain.StateClose, p.State)
	}
}

func TestTransition_Invalid(t *testing.T) {
	p := domain.Position{ID: "p1", State: domain.StateAssign}
	err := p.Transition(domain.StateHedgeHold, "", time.Now())
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StateAssign, p.State)
}

func TestParseTradeState_RoundTripsNames(t *testing.T) {
	for _, s := range allStates {
		got, err := domain.ParseTradeState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := domain.ParseTradeState("HEDGE")
	assert.Error(t, err)
}
