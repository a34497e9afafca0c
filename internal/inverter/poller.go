package inverter

import (
	"context"
	"errors"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/M-Klemm/sofar2PVO/internal/protocol"
	"github.com/M-Klemm/sofar2PVO/internal/registers"
	"github.com/M-Klemm/sofar2PVO/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoData is returned when every attempt to read the inverter failed.
// This is a normal outcome (the inverter powers off at night) and must not
// be escalated as fatal by callers.
var ErrNoData = errors.New("no data available from inverter")

// Retry pacing. The retry bound caps total poll latency; the settle delay
// gives the logger stick time to push the response after a request.
const (
	maxAttempts     = 10
	backoffInterval = 10 * time.Second
	settleDelay     = 1 * time.Second
)

// SleepFunc suspends the poll loop. Injectable so tests can run retry
// scenarios without real waiting.
type SleepFunc func(d time.Duration)

// Poller drives the full connect/fetch/validate cycle against one inverter.
// Each Poller owns its session exclusively; run one Poller per inverter.
type Poller struct {
	config    Config
	regmap    *registers.Map
	codec     *protocol.Codec
	connector *Connector
	checker   *validation.PlausibilityChecker
	sleep     SleepFunc
	logger    zerolog.Logger
}

// NewPoller creates a poller for the configured inverter.
func NewPoller(cfg Config, regmap *registers.Map) *Poller {
	return &Poller{
		config:    cfg,
		regmap:    regmap,
		codec:     protocol.NewCodec(),
		connector: NewConnector(cfg),
		checker:   validation.NewPlausibilityChecker(cfg.SystemSizeKW),
		sleep:     time.Sleep,
		logger:    log.With().Str("component", "poller").Logger(),
	}
}

// normalizeRanges dedupes the requested range names, forces the ranges the
// plausibility checks need, and drops names the register map does not know.
func (p *Poller) normalizeRanges(requested []string) []string {
	seen := make(map[string]bool)
	var names []string

	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if _, ok := p.regmap.Range(name); !ok {
			p.logger.Warn().Str("range", name).Msg("Requested range not in register map, dropping")
			return
		}
		names = append(names, name)
	}

	for _, name := range requested {
		add(name)
	}
	for _, name := range domain.RequiredRanges() {
		add(name)
	}

	return names
}

// Poll reads the requested register ranges from the inverter. It retries
// the full connect+fetch+validate cycle up to the attempt bound and returns
// either a complete, plausibility-checked PollResult or ErrNoData. Partial
// results are never returned.
func (p *Poller) Poll(ctx context.Context, rangeNames []string) (domain.PollResult, error) {
	names := p.normalizeRanges(rangeNames)
	if len(names) == 0 {
		return nil, ErrNoData
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.logger.Debug().Int("attempt", attempt).Msg("Inverter communication try")

		sess, err := p.connector.Connect()
		if err != nil {
			// no connection: wait a bit and retry
			p.sleep(backoffInterval)
			continue
		}

		result, skipped, ok := p.fetchRanges(ctx, sess, names)
		if !ok {
			sess.Close()
			p.sleep(backoffInterval)
			continue
		}

		if missing := missingRange(result, names, skipped); missing != "" {
			p.logger.Warn().Str("range", missing).Msg("Required range missing from collected data")
			sess.Close()
			p.sleep(backoffInterval)
			continue
		}

		if rej := p.checker.Check(result); rej != nil {
			sess.Close()
			p.sleep(backoffInterval)
			continue
		}

		// all done, data seems ok
		sess.Close()
		return result, nil
	}

	return nil, ErrNoData
}

// fetchRanges runs one attempt: request, receive and decode every range on
// an open session. Ranges whose definition cannot produce a request are
// skipped without aborting the others; any transport or decode failure ends
// the attempt, leaving the retry decision to the caller.
func (p *Poller) fetchRanges(ctx context.Context, sess *Session, names []string) (domain.PollResult, map[string]bool, bool) {
	result := make(domain.PollResult, len(names))
	skipped := make(map[string]bool)

	for _, name := range names {
		if ctx.Err() != nil {
			return nil, nil, false
		}

		rng, _ := p.regmap.Range(name)
		frame, err := p.codec.BuildReadRequest(rng, p.config.Serial)
		if err != nil {
			p.logger.Error().Err(err).Str("range", name).Msg("Failed to build request frame")
			skipped[name] = true
			continue
		}

		if err := sess.Send(frame); err != nil {
			return nil, nil, false
		}

		// give the inverter some time to send data back
		p.sleep(settleDelay)

		raw := sess.ReceiveRange(rng)
		if len(raw) == 0 {
			return nil, nil, false
		}

		values := p.codec.DecodeRangeData(raw, rng)
		if len(values) == 0 {
			p.logger.Warn().Str("range", name).Msg("Response decoded to no fields")
			return nil, nil, false
		}
		result[name] = values
	}

	return result, skipped, true
}

// missingRange returns the first requested range absent from the result, or
// an empty string when all are present. Skipped ranges are not counted.
func missingRange(result domain.PollResult, names []string, skipped map[string]bool) string {
	for _, name := range names {
		if skipped[name] {
			continue
		}
		if !result.Has(name) {
			return name
		}
	}
	return ""
}
