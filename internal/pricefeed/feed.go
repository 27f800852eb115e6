// Package pricefeed adapts external price quotes into coordinator signals
// and streams protocol events to monitor clients.
package pricefeed

import (
	"context"
	"sync"

	"shieldlend/internal/domain"
	"shieldlend/pkg/logger"

	"github.com/shopspring/decimal"
)

// SignalSink accepts feed signals; in production this is the relay.
type SignalSink interface {
	EmitSignal(ctx context.Context, sig domain.Signal) error
}

// Publisher converts decimal quotes from an upstream feed into integer
// price units and emits them as price-update signals. Conversion floors,
// so the coordinator never sees a price higher than the quote.
type Publisher struct {
	sink          SignalSink
	originDomain  uint32
	sourceAddress domain.Address
	logger        logger.Logger
}

func NewPublisher(sink SignalSink, originDomain uint32, source domain.Address, log logger.Logger) *Publisher {
	return &Publisher{
		sink:          sink,
		originDomain:  originDomain,
		sourceAddress: source,
		logger:        log,
	}
}

// Publish emits one price-update signal for the given quote.
func (p *Publisher) Publish(ctx context.Context, quote decimal.Decimal) error {
	price := PriceUnits(quote)

	sig := domain.Signal{
		OriginDomain:  p.originDomain,
		SourceAddress: p.sourceAddress,
		Topic0:        domain.TopicPriceUpdate,
		Payload:       domain.EncodePriceEvent(domain.PriceEvent{NewPrice: price}),
	}

	p.logger.Info("price quote published", map[string]interface{}{
		"quote": quote.String(),
		"units": price,
	})
	return p.sink.EmitSignal(ctx, sig)
}

// PriceUnits floors a decimal quote into integer price units. Negative
// quotes clamp to zero.
func PriceUnits(quote decimal.Decimal) uint64 {
	if quote.IsNegative() {
		return 0
	}
	return uint64(quote.Floor().IntPart())
}

// Simulator is a deterministic quote source for demos and tests.
type Simulator struct {
	mu    sync.Mutex
	quote decimal.Decimal
}

func NewSimulator(start decimal.Decimal) *Simulator {
	return &Simulator{quote: start}
}

// Quote returns the current simulated quote.
func (s *Simulator) Quote() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote
}

// Move applies a percentage change (e.g. -15 for a 15% crash) and returns
// the new quote.
func (s *Simulator) Move(pct decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	factor := decimal.NewFromInt(100).Add(pct).Div(decimal.NewFromInt(100))
	s.quote = s.quote.Mul(factor)
	return s.quote
}

// Set overrides the simulated quote.
func (s *Simulator) Set(quote decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = quote
}
