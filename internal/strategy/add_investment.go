package strategy

import (
	"fmt"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// AddInvestment grows a trend-following position that keeps paying. It fires
// at most once per cooldown window and at most MaxAddTimes over the life of
// the position.
type AddInvestment struct{}

func (AddInvestment) Name() string { return "add_investment" }

func (AddInvestment) Evaluate(in Input, th Thresholds) (domain.Decision, bool) {
	p := in.Position
	if p.RiskMode != domain.RiskTrend || th.AddFraction <= 0 {
		return domain.Decision{}, false
	}
	if p.AddCount >= th.MaxAddTimes {
		return domain.Decision{}, false
	}
	if !p.LastAddAt.IsZero() && in.Now.Sub(p.LastAddAt) < th.AddCooldown {
		return domain.Decision{}, false
	}
	if row := in.Signals.Primary; row != nil && !row.Trend.Favors(p.Side) {
		return domain.Decision{}, false
	}
	ratio := p.ProfitRatio(in.Mark(), th.CommissionRate)
	if ratio < th.AddProfit {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Action:     domain.ActionAddInvestment,
		Reason:     fmt.Sprintf("profit %.4f above %.4f, add %d/%d", ratio, th.AddProfit, p.AddCount+1, th.MaxAddTimes),
		Confidence: 0.5,
		Amount:     p.Investment * th.AddFraction,
		Price:      in.Mark(),
	}, true
}
