package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nimbusdata/cdp-core/bus"
	"github.com/nimbusdata/cdp-core/clock"
	"github.com/nimbusdata/cdp-core/config"
	"github.com/nimbusdata/cdp-core/counter"
	"github.com/nimbusdata/cdp-core/dedup"
	"github.com/nimbusdata/cdp-core/identity"
	"github.com/nimbusdata/cdp-core/logger"
	"github.com/nimbusdata/cdp-core/metrics"
	"github.com/nimbusdata/cdp-core/pipeline"
	"github.com/nimbusdata/cdp-core/processor"
	"github.com/nimbusdata/cdp-core/profile"
	"github.com/nimbusdata/cdp-core/redisclient"
	"github.com/nimbusdata/cdp-core/segment"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("cdp core engine starting")

	sysClock := clock.System{}
	metricsRegistry := metrics.NewRegistry(cfg.MetricsNamespace)
	dedupSet := buildDedupSet(cfg, sysClock, log)

	graph := identity.New()
	profiles := profile.New()
	rollingCounter := counter.New(sysClock, counter.Config{
		BucketSize: cfg.CounterBucketSize,
		Window:     cfg.CounterWindow,
	})

	segmentBus := bus.New(cfg.SegmentBusBufferSize)
	segments := segment.New(sysClock, busSink{segmentBus}, segment.Config{
		PowerUserThreshold:   cfg.PowerUserThreshold,
		PowerUserWindow:      cfg.PowerUserWindow,
		ReengageInactivity:   cfg.ReengageInactivity,
		FeatureUsedEventName: segment.DefaultConfig().FeatureUsedEventName,
	}, metricsRegistry)

	procCfg := processor.DefaultConfig()
	procCfg.WindowSize = cfg.WindowSize
	procCfg.GracePeriod = cfg.GracePeriod
	procCfg.TickerInterval = cfg.TickerInterval
	procCfg.MaxBufferedProfiles = cfg.MaxBufferedProfiles
	procCfg.Workers = cfg.Workers
	proc := processor.New(sysClock, procCfg, dedupSet, metricsRegistry, log)

	// core wires the drain handler onto proc; event ingestion itself is
	// owned by whatever upstream transport this engine is embedded in
	// (not this module's concern — see the non-goals around transport).
	_ = pipeline.New(graph, profiles, rollingCounter, segments, proc, metricsRegistry, log)

	logSegmentTransitions(segmentBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	proc.Start(ctx)
	log.Info().Msg("event processor watermark loop running")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info().Msg("shutdown signal received")

	proc.Stop()
	cancel()
	log.Info().Msg("cdp core engine stopped gracefully")
}

// busSink adapts *bus.Bus to segment.Sink without segment needing to
// import bus.
type busSink struct{ b *bus.Bus }

func (s busSink) Publish(ev segment.Event) {
	s.b.Publish(bus.Event{
		ProfileID: ev.ProfileID,
		Segment:   ev.Segment,
		Action:    string(ev.Action),
		Ts:        ev.Ts.UnixMilli(),
	})
}

// logSegmentTransitions subscribes a permanent consumer that logs every
// ENTER/EXIT, standing in for whatever downstream activation system would
// otherwise consume the bus (email, in-app messaging, ad audiences — all
// out of scope here).
func logSegmentTransitions(b *bus.Bus, log zerolog.Logger) {
	ch, _ := b.Subscribe()
	go func() {
		for ev := range ch {
			log.Info().
				Str("profile_id", ev.ProfileID).
				Str("segment", ev.Segment).
				Str("action", ev.Action).
				Msg("segment transition")
		}
	}()
}

// buildDedupSet wires the memory or Redis dedup backend per
// cfg.DedupBackend, falling back to the in-memory set if Redis is
// configured but unreachable.
func buildDedupSet(cfg *config.Config, clk clock.Clock, log zerolog.Logger) dedup.Set {
	if cfg.DedupBackend == "redis" {
		rc, err := redisclient.New(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("redis dedup backend init failed — falling back to memory")
		} else if err := rc.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — falling back to memory")
		} else {
			log.Info().Msg("redis dedup backend connected")
			return dedup.NewRedisSet(rc, cfg.DedupTTL, cfg.MetricsNamespace+":dedup:")
		}
	}

	memSet, err := dedup.NewMemorySet(clk, cfg.DedupTTL, cfg.MaxBufferedProfiles)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build in-memory dedup set")
	}
	return memSet
}
