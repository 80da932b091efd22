// internal/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/cloudsync"
	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/metrics"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Defaults for the loop cadence.
const (
	DefaultPollInterval     = time.Second
	DefaultReconnectBackoff = 5 * time.Second
	DefaultCleanupEvery     = 1000
	DefaultRetention        = 7 * 24 * time.Hour
)

// Config is the loop runtime config.
type Config struct {
	Endpoint plc.Endpoint

	PollInterval     time.Duration
	ReconnectBackoff time.Duration

	CleanupEvery int
	Retention    time.Duration
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Gateway is the single-threaded polling loop.
// Sampling always precedes command application within a tick.
type Gateway struct {
	cfg Config

	sess    *Session
	sampler *telemetry.Sampler
	disp    *command.Dispatcher
	sync    *cloudsync.Sync

	log *slog.Logger
	m   *metrics.Metrics
	now func() time.Time

	// last good summary; re-published as degraded on disconnect
	lastSummary    status.Summary
	statusDegraded bool

	prevLow  bool
	prevHigh bool
}

func New(cfg Config, link plc.Link, sampler *telemetry.Sampler, disp *command.Dispatcher, sync *cloudsync.Sync, opt Options) (*Gateway, error) {
	if link == nil || sampler == nil || disp == nil || sync == nil {
		return nil, errors.New("gateway: link, sampler, dispatcher and sync are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = DefaultCleanupEvery
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	return &Gateway{
		cfg:         cfg,
		sess:        newSession(link, cfg.Endpoint),
		sampler:     sampler,
		disp:        disp,
		sync:        sync,
		log:         opt.Logger,
		m:           opt.Metrics,
		now:         opt.Now,
		lastSummary: status.Summary{Health: status.HealthUnknown},
	}, nil
}

// Session exposes the controller session.
func (g *Gateway) Session() *Session { return g.sess }

// Healthy is true while connected. Safe from any goroutine.
func (g *Gateway) Healthy() bool { return g.sess.State() == Connected }

// Run loops Tick until ctx is done, then disconnects once.
// Cancellation is observed between ticks; the wait returns early on cancel.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("gateway started",
		"address", g.cfg.Endpoint.Address,
		"poll_interval", g.cfg.PollInterval,
		"backoff", g.cfg.ReconnectBackoff,
	)

	for ctx.Err() == nil {
		delay := g.Tick(ctx)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	return g.shutdown(ctx)
}

// Tick runs exactly one iteration and returns the delay before the next one.
func (g *Gateway) Tick(ctx context.Context) time.Duration {
	st := g.sess.State()
	g.m.Tick(st.String())

	if st == Disconnected {
		return g.tickDisconnected(ctx)
	}
	return g.tickConnected(ctx)
}

// ---- DISCONNECTED ----

func (g *Gateway) tickDisconnected(ctx context.Context) time.Duration {
	err := g.sess.link.Connect(ctx, g.sess.endpoint)
	if err != nil {
		g.m.LinkError("connect")
		if g.sess.disconnectedSince.IsZero() {
			g.sess.disconnectedSince = g.now()
		}
		g.sess.lastErr = err
		g.log.Warn("plc connect failed", "address", g.sess.endpoint.Address, "retry_in", g.cfg.ReconnectBackoff, "err", err)

		if !g.statusDegraded {
			g.publishDegraded(ctx, err)
		}
		return g.cfg.ReconnectBackoff
	}

	g.sess.setState(Connected)
	g.sess.disconnectedSince = time.Time{}
	g.sess.lastErr = nil
	g.m.SetConnected(true)

	g.log.Info("plc connected", "address", g.sess.endpoint.Address, "rack", g.sess.endpoint.Rack, "slot", g.sess.endpoint.Slot)
	g.event(ctx, cloudsync.EventPLCConnected, g.sess.endpoint.Address)
	return 0
}

// ---- CONNECTED ----

func (g *Gateway) tickConnected(ctx context.Context) time.Duration {
	g.sess.ticks++

	// 1. sample
	start := time.Now()
	snap, err := g.sampler.Sample(ctx, g.sess.link)
	if err != nil {
		if ctx.Err() != nil {
			// stop requested mid-read; not a link failure
			return 0
		}
		g.dropLink(ctx, err)
		return g.cfg.ReconnectBackoff
	}
	g.m.ObserveSample(time.Since(start))
	g.publish(ctx, snap)

	// 2. at most one command
	if delay, dropped := g.dispatch(ctx); dropped {
		return delay
	}

	// 3. retention
	if g.sess.ticks%uint64(g.cfg.CleanupEvery) == 0 {
		g.cleanup(ctx)
	}

	// 4. pace
	return g.cfg.PollInterval
}

func (g *Gateway) publish(ctx context.Context, snap telemetry.Snapshot) {
	if err := g.sync.PublishTelemetry(ctx, snap); err != nil {
		g.m.StoreError("append_telemetry")
		g.log.Error("telemetry publish failed", "err", err)
	}

	sum := status.FromSnapshot(snap)
	if err := g.sync.PublishStatus(ctx, sum); err != nil {
		g.m.StoreError("upsert_status")
		g.log.Error("status publish failed", "err", err)
	} else {
		g.statusDegraded = false
	}
	g.lastSummary = sum

	g.alarmEdges(ctx, snap)
}

func (g *Gateway) alarmEdges(ctx context.Context, snap telemetry.Snapshot) {
	if snap.LowLevel && !g.prevLow {
		g.log.Warn("low level alarm", "level_cm", snap.LevelCM)
		g.event(ctx, cloudsync.EventAlarmLowLevel, fmt.Sprintf("level_cm=%.2f", snap.LevelCM))
	}
	if snap.HighLevel && !g.prevHigh {
		g.log.Warn("high level alarm", "level_cm", snap.LevelCM)
		g.event(ctx, cloudsync.EventAlarmHighLevel, fmt.Sprintf("level_cm=%.2f", snap.LevelCM))
	}
	g.prevLow = snap.LowLevel
	g.prevHigh = snap.HighLevel
}

// dispatch applies at most one command. dropped is true when the link was lost.
func (g *Gateway) dispatch(ctx context.Context) (time.Duration, bool) {
	res, err := g.disp.DispatchNext(ctx, g.sess.link)

	switch {
	case res.Skipped:
		g.m.Command("skipped")
		g.log.Info("command already applied, mark retried", "cmd", res.Command.String(), "err", err)
	case res.Rejected:
		g.m.Command("rejected")
		g.log.Warn("command rejected", "cmd", res.Command.String(), "err", err)
		g.event(ctx, cloudsync.EventCommandRejected, res.Command.String())
		if errors.Is(err, command.ErrInvalidCommand) {
			return 0, false
		}
	case res.Applied:
		g.m.Command("applied")
		g.log.Info("command applied", "cmd", res.Command.String())
		g.event(ctx, cloudsync.EventCommandApplied, res.Command.String())
	}

	if err == nil {
		return 0, false
	}

	if ctx.Err() != nil {
		// stop requested before the first write; the command stays pending
		return 0, false
	}

	if plc.IsLinkError(err) {
		g.m.Command("failed")
		g.dropLink(ctx, err)
		return g.cfg.ReconnectBackoff, true
	}

	// store failure: command stays pending, retried next tick
	g.m.StoreError("commands")
	g.log.Error("command sync failed", "err", err)
	return 0, false
}

func (g *Gateway) cleanup(ctx context.Context) {
	n, err := g.sync.CleanupOlderThan(ctx, g.cfg.Retention)
	if err != nil {
		g.m.StoreError("cleanup")
		g.log.Error("retention cleanup failed", "err", err)
		return
	}
	g.m.CleanupDeleted(n)
	g.log.Info("retention cleanup", "deleted", n, "retention", g.cfg.Retention)
	g.event(ctx, cloudsync.EventRetentionCleanup, fmt.Sprintf("deleted=%d retention=%s", n, g.cfg.Retention))
}

// ---- transitions ----

func (g *Gateway) dropLink(ctx context.Context, cause error) {
	if err := g.sess.link.Disconnect(); err != nil {
		g.log.Debug("plc disconnect after failure", "err", err)
	}

	g.sess.setState(Disconnected)
	g.sess.disconnectedSince = g.now()
	g.sess.lastErr = cause

	g.m.LinkError(linkOp(cause))
	g.m.SetConnected(false)

	g.log.Warn("plc link lost", "address", g.sess.endpoint.Address, "code", ErrorCode(cause), "err", cause)
	g.event(ctx, cloudsync.EventPLCDisconnected, cause.Error())
	g.publishDegraded(ctx, cause)
}

func (g *Gateway) publishDegraded(ctx context.Context, cause error) {
	since := g.sess.disconnectedSince
	if since.IsZero() {
		since = g.now()
	}
	sum := g.lastSummary.Degraded(ErrorCode(cause), since)
	if err := g.sync.PublishStatus(ctx, sum); err != nil {
		g.m.StoreError("upsert_status")
		g.log.Error("degraded status publish failed", "err", err)
		return
	}
	g.statusDegraded = true
}

func (g *Gateway) shutdown(ctx context.Context) error {
	if g.sess.State() != Connected {
		g.log.Info("gateway stopped")
		return nil
	}

	err := g.sess.link.Disconnect()
	g.sess.setState(Disconnected)
	g.m.SetConnected(false)

	// ctx is already cancelled; the final event gets a short budget of its own
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	g.event(ectx, cloudsync.EventPLCDisconnected, "shutdown")

	g.log.Info("gateway stopped", "disconnect_err", err)
	return err
}

func (g *Gateway) event(ctx context.Context, typ, details string) {
	if err := g.sync.LogEvent(ctx, typ, details); err != nil {
		g.m.StoreError("append_event")
		g.log.Error("event log failed", "type", typ, "err", err)
	}
}

func linkOp(err error) string {
	var le *plc.LinkError
	if errors.As(err, &le) {
		return le.Op
	}
	return "unknown"
}
