package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/lumenquant/confluence/internal/domain"
)

const (
	minPollCadence         = 60 * time.Second
	wsDialTimeout          = 10 * time.Second
	wsBaseReconnectDelay   = 5 * time.Second
	wsMaxReconnectDelay    = 2 * time.Minute
)

// Fetcher is the network transport a NetworkSource polls on its cadence.
// Concrete implementations wrap one provider's REST API.
type Fetcher interface {
	Fetch(ctx context.Context) ([]domain.RawSignal, error)
}

// NetworkSource implements domain.SignalSource for a network-polled
// provider (§4.2). Fetcher results land in an in-memory latest view on a
// cron cadence of at least 60s; an optional websocket overlay updates the
// same view in real time between polls.
type NetworkSource struct {
	sourceID    domain.SourceId
	fetcher     Fetcher
	mapper      domain.AssetMapper
	raceReorder bool
	audit       domain.AuditSink
	log         zerolog.Logger

	wsURL string

	cron       *cron.Cron
	cancelFunc context.CancelFunc

	mu     sync.RWMutex
	latest map[domain.CanonicalSymbol]domain.CanonicalSignal
}

// Config configures a NetworkSource.
type Config struct {
	SourceID    domain.SourceId
	Fetcher     Fetcher
	Mapper      domain.AssetMapper
	RaceReorder bool
	Audit       domain.AuditSink
	Cadence     string // robfig/cron spec, e.g. "@every 60s"; defaults if empty
	WSURL       string // optional, enables the push overlay
	Log         zerolog.Logger
}

// NewNetworkSource constructs a NetworkSource, runs one initial poll, and
// starts its cron-scheduled poll loop (and websocket overlay, if
// configured). Call Close to stop both.
func NewNetworkSource(cfg Config) (*NetworkSource, error) {
	cadence := cfg.Cadence
	if cadence == "" {
		cadence = "@every 60s"
	}
	sched, err := cron.ParseStandard(cadence)
	if err != nil {
		return nil, fmt.Errorf("parse network source cadence: %w", err)
	}
	if first := sched.Next(time.Now()); sched.Next(first).Sub(first) < minPollCadence {
		return nil, fmt.Errorf("network source cadence %q is shorter than %s", cadence, minPollCadence)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ns := &NetworkSource{
		sourceID:    cfg.SourceID,
		fetcher:     cfg.Fetcher,
		mapper:      cfg.Mapper,
		raceReorder: cfg.RaceReorder,
		audit:       cfg.Audit,
		log:         cfg.Log.With().Str("component", "network-signal-source").Str("source", string(cfg.SourceID)).Logger(),
		wsURL:       cfg.WSURL,
		cron:        cron.New(),
		cancelFunc:  cancel,
		latest:      make(map[domain.CanonicalSymbol]domain.CanonicalSignal),
	}

	if _, err := ns.cron.AddFunc(cadence, func() {
		if err := ns.poll(ctx); err != nil {
			ns.log.Warn().Err(err).Msg("poll failed, keeping previous latest view")
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule network source poll: %w", err)
	}
	ns.cron.Start()

	if ns.wsURL != "" {
		go ns.pushLoop(ctx)
	}

	if err := ns.poll(ctx); err != nil {
		ns.log.Warn().Err(err).Msg("initial poll failed")
	}

	return ns, nil
}

func (ns *NetworkSource) SourceId() domain.SourceId { return ns.sourceID }

// FetchCurrent returns the freshest CanonicalSignal per symbol from the
// in-memory latest view; it never itself blocks on the network.
func (ns *NetworkSource) FetchCurrent(ctx context.Context) ([]domain.CanonicalSignal, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	out := make([]domain.CanonicalSignal, 0, len(ns.latest))
	for _, s := range ns.latest {
		out = append(out, s)
	}
	return out, nil
}

// Close stops the cron schedule and websocket overlay.
func (ns *NetworkSource) Close() {
	ns.cron.Stop()
	ns.cancelFunc()
}

func (ns *NetworkSource) poll(ctx context.Context) error {
	raw, err := ns.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch from network source: %w", err)
	}
	ns.ingest(raw)
	return nil
}

func (ns *NetworkSource) ingest(raw []domain.RawSignal) {
	canonical := make([]domain.CanonicalSignal, 0, len(raw))
	for _, r := range raw {
		symbol, ok := ns.mapper.ToCanonical(ns.sourceID, r.SourceSymbol)
		if !ok {
			continue
		}
		canonical = append(canonical, domain.CanonicalSignal{
			Source:    ns.sourceID,
			Symbol:    symbol,
			Depth:     r.Depth,
			Price:     r.Price,
			Timestamp: r.Timestamp,
		})
	}

	if ns.raceReorder {
		canonical = applyRaceReorderPerSymbol(canonical, ns.audit, ns.log)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, s := range canonical {
		cur, ok := ns.latest[s.Symbol]
		if !ok || s.Timestamp.After(cur.Timestamp) {
			ns.latest[s.Symbol] = s
		}
	}
}

// pushLoop maintains a reconnecting websocket overlay that updates the
// latest view between cron ticks, grounded on the same
// reconnect-with-backoff shape as the exchange ticker client.
func (ns *NetworkSource) pushLoop(ctx context.Context) {
	delay := wsBaseReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := ns.connectAndRead(ctx); err != nil {
			ns.log.Warn().Err(err).Dur("retry_in", delay).Msg("websocket overlay disconnected, retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}

func (ns *NetworkSource) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ns.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ns.log.Info().Msg("websocket overlay connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg domain.RawSignal
		if err := json.Unmarshal(data, &msg); err != nil {
			ns.log.Debug().Err(err).Msg("dropping unparseable websocket overlay message")
			continue
		}
		ns.ingest([]domain.RawSignal{msg})
	}
}

var _ domain.SignalSource = (*NetworkSource)(nil)
