package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CANDIDATE SCANNER - Model vs execution price
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per contract:
//   held? -> horizon window? -> liquid & well-formed? -> model prob
//   -> edge per side against that side's ASK -> keep the better side
//      if it clears MinEdge
//
// Candidates are ranked by |edge|, largest mispricing first.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ScanConfig holds the entry filters
type ScanConfig struct {
	MinMinutes float64 // skip contracts closing sooner than this
	MaxMinutes float64 // skip contracts closing later than this
	MinEdge    float64 // absolute edge required, e.g. 0.08
}

// Scanner turns this cycle's contracts into ranked candidates
type Scanner struct {
	cfg ScanConfig
}

// NewScanner creates a scanner with the given filters
func NewScanner(cfg ScanConfig) *Scanner {
	return &Scanner{cfg: cfg}
}

// ScanStats counts why contracts were dropped, for the cycle report
type ScanStats struct {
	Total     int
	Held      int
	Horizon   int
	Illiquid  int
	NoEdge    int
	Candidate int
}

// Scan evaluates every contract and returns candidates sorted by |edge| desc.
// held holds tickers with an open position; they are never re-entered.
func (s *Scanner) Scan(
	contracts []types.Contract,
	value float64,
	volPerMin float64,
	held map[string]bool,
	now time.Time,
) ([]types.Candidate, ScanStats) {
	stats := ScanStats{Total: len(contracts)}
	candidates := make([]types.Candidate, 0)

	for i := range contracts {
		c := &contracts[i]

		if held[c.Ticker] {
			stats.Held++
			continue
		}

		minsLeft := c.MinutesLeft(now)
		if minsLeft < s.cfg.MinMinutes || minsLeft > s.cfg.MaxMinutes {
			stats.Horizon++
			continue
		}

		if !tradeable(c) {
			stats.Illiquid++
			continue
		}

		floor, cap := *c.FloorStrike, *c.CapStrike
		modelProb := RangeProbability(value, floor, cap, volPerMin, minsLeft)

		side, priceCents, edge, ok := s.pickSide(c, modelProb)
		if !ok {
			stats.NoEdge++
			continue
		}

		candidates = append(candidates, types.Candidate{
			Ticker:      c.Ticker,
			Side:        side,
			PriceCents:  priceCents,
			ModelProb:   modelProb,
			MidProb:     float64(c.YesBid+c.YesAsk) / 200.0,
			Edge:        edge,
			MinutesLeft: minsLeft,
			Floor:       floor,
			Cap:         cap,
			Volume:      c.Volume,
			Context:     describePosition(value, floor, cap),
		})
	}

	RankCandidates(candidates)
	stats.Candidate = len(candidates)

	log.Debug().
		Int("contracts", stats.Total).
		Int("held", stats.Held).
		Int("horizon", stats.Horizon).
		Int("illiquid", stats.Illiquid).
		Int("no_edge", stats.NoEdge).
		Int("candidates", stats.Candidate).
		Msg("Scan complete")

	return candidates, stats
}

// pickSide chooses the side with the larger edge, if it clears MinEdge
func (s *Scanner) pickSide(c *types.Contract, modelProb float64) (types.Side, int, float64, bool) {
	edgeYes, edgeNo := Edges(modelProb, c.YesAsk, c.NoAskCents())

	side, price, edge := types.SideYes, c.YesAsk, edgeYes
	if edgeNo > edgeYes {
		side, price, edge = types.SideNo, c.NoAskCents(), edgeNo
	}

	if edge < s.cfg.MinEdge {
		return "", 0, 0, false
	}
	if price <= 0 || price >= 100 {
		return "", 0, 0, false
	}
	return side, price, edge, true
}

// Edges returns the edge of buying each side at its ask.
// The spread is a real cost, so the midpoint is never used here.
func Edges(modelProb float64, yesAskCents, noAskCents int) (edgeYes, edgeNo float64) {
	edgeYes = modelProb - float64(yesAskCents)/100.0
	edgeNo = (1 - modelProb) - float64(noAskCents)/100.0
	return edgeYes, edgeNo
}

// RankCandidates sorts by absolute edge, descending. Ties keep discovery order.
func RankCandidates(candidates []types.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].Edge) > math.Abs(candidates[j].Edge)
	})
}

// tradeable drops placeholder books and resolved/degenerate quotes
func tradeable(c *types.Contract) bool {
	if !c.HasStrikes() {
		return false
	}
	if c.YesBid <= 0 {
		return false
	}
	if c.YesAsk <= 0 || c.YesAsk >= 100 {
		return false
	}
	return true
}

func describePosition(value, floor, cap float64) string {
	switch {
	case value > cap:
		return fmt.Sprintf("value %.1f%% above cap", (value-cap)/value*100)
	case value < floor:
		return fmt.Sprintf("value %.1f%% below floor", (floor-value)/value*100)
	default:
		return "value inside range"
	}
}
