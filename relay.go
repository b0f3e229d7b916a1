package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maxpert/cdc-relay/admin"
	"github.com/maxpert/cdc-relay/broker"
	_ "github.com/maxpert/cdc-relay/broker/franz"
	_ "github.com/maxpert/cdc-relay/broker/kafkago"
	"github.com/maxpert/cdc-relay/cfg"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/db"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/relay"
	"github.com/maxpert/cdc-relay/sink"
	"github.com/maxpert/cdc-relay/spool"
	"github.com/maxpert/cdc-relay/stream"
	"github.com/maxpert/cdc-relay/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const collectInterval = 15 * time.Second

// controlLoop is what both roles hand to main
type controlLoop interface {
	telemetry.StatsProvider
	admin.StatusProvider
	Run(ctx context.Context) error
	Close() error
}

func main() {
	flag.Parse()

	if err := loadConfig(*cfg.ConfigPathFlag); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	setupLogging()

	if err := run(); err != nil {
		log.Error().Err(err).Str("kind", common.KindOf(err).String()).Msg("CDC relay exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string) error {
	if err := cfg.Load(path); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("role", string(cfg.Config.Role)).
		Str("client_id", cfg.Config.Broker.ClientID).
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Config.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = gLog.Level(level)
}

func run() error {
	log.Info().Msg("CDC relay starting")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
	cfg.Config.LogSummary()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		loop    controlLoop
		closers []func() error
		err     error
	)
	switch cfg.Config.Role {
	case cfg.RolePublisher:
		loop, closers, err = buildPublisher(ctx)
	case cfg.RoleConsumer:
		loop, closers, err = buildConsumer(ctx)
	default:
		err = fmt.Errorf("invalid role: %q", cfg.Config.Role)
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("Failed to release resource")
			}
		}
	}()
	if err != nil {
		return err
	}

	collector := telemetry.NewMetricsCollector(loop, collectInterval)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	if cfg.Config.Admin.Enabled {
		server := admin.NewServer(cfg.Config.Admin.Address, cfg.Config.Admin.Port,
			admin.NewHandlers(loop, telemetry.GetMetricsHandler()))
		g.Go(func() error {
			return server.Serve(gctx)
		})
	}

	log.Info().Str("role", string(cfg.Config.Role)).Msg("CDC relay started")
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("CDC relay stopped")
	return nil
}

func clientConfig() broker.ClientConfig {
	b := cfg.Config.Broker
	return broker.ClientConfig{
		Driver:         b.Driver,
		Brokers:        b.Addresses,
		ClientID:       b.ClientID,
		GroupID:        b.GroupID,
		RequiredAcks:   b.RequiredAcks,
		Compression:    b.Compression,
		MessageTimeout: b.MessageTimeout(),
		Retries:        b.Retries,
		RetryBackoff:   b.RetryBackoff(),
		DialTimeout:    b.ProbeTimeout(),
		Debug:          strings.EqualFold(cfg.Config.Logging.Level, "debug"),
	}
}

func supervisorConfig(name string) broker.SupervisorConfig {
	b := cfg.Config.Broker
	return broker.SupervisorConfig{
		Name:          name,
		MaxRetries:    b.ConnectMaxRetries,
		RetryInterval: b.ConnectRetryInterval(),
		ProbeTimeout:  b.ProbeTimeout(),
	}
}

func buildPublisher(ctx context.Context) (controlLoop, []func() error, error) {
	var closers []func() error
	c := cfg.Config

	database, err := db.Open(ctx, c.Source.Dialect, c.Source.DSN)
	if err != nil {
		return nil, closers, common.NewError(common.KindFatal, "OpenSource", err)
	}
	closers = append(closers, database.Close)

	source, err := stream.NewSQLSource(database, stream.SQLSourceConfig{
		HoldingTable: c.Source.HoldingTable,
		KeyColumn:    c.Source.KeyColumn,
	})
	if err != nil {
		return nil, closers, err
	}

	filter, err := stream.NewColumnFilter(c.Publisher.ExcludeColumns)
	if err != nil {
		return nil, closers, err
	}

	codec, err := encoding.CodecFor(c.Publisher.Codec)
	if err != nil {
		return nil, closers, err
	}

	publisher, err := broker.NewPublisher(broker.PublisherConfig{
		Topic:                c.Broker.Topic,
		Codec:                codec,
		KeyByStream:          c.Publisher.KeyByStream,
		DeliveryPollCount:    c.Publisher.DeliveryPollCount,
		DeliveryPollInterval: c.Publisher.DeliveryPollInterval(),
		FlushTimeout:         c.Publisher.FlushTimeout(),
	})
	if err != nil {
		return nil, closers, err
	}

	var sp *spool.Spool
	if c.Spool.Enabled {
		sp, err = spool.Open(c.Spool.DataDir)
		if err != nil {
			return nil, closers, common.NewError(common.KindFatal, "OpenSpool", err)
		}
	}

	clientCfg := clientConfig()
	supervisor := broker.NewSupervisor(supervisorConfig("producer"), func() (broker.ProducerClient, error) {
		return broker.NewProducerClient(clientCfg)
	})

	loop, err := relay.NewPublisherLoop(relay.PublisherLoopConfig{
		StreamName:        c.Source.StreamName,
		Source:            source,
		Filter:            filter,
		Publisher:         publisher,
		Supervisor:        supervisor,
		Spool:             sp,
		RetainUndelivered: c.Publisher.RetainUndelivered,
		SuccessSleep:      c.Job.SuccessSleep(),
		ErrorSleep:        c.Job.ErrorSleep(),
	})
	if err != nil {
		if sp != nil {
			sp.Close()
		}
		return nil, closers, err
	}
	closers = append(closers, loop.Close)
	return loop, closers, nil
}

func buildConsumer(ctx context.Context) (controlLoop, []func() error, error) {
	var closers []func() error
	c := cfg.Config

	database, err := db.Open(ctx, c.Sink.Dialect, c.Sink.DSN)
	if err != nil {
		return nil, closers, common.NewError(common.KindFatal, "OpenSink", err)
	}
	closers = append(closers, database.Close)

	target, err := sink.NewSQLTarget(database, c.Sink.StatementCacheSize)
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, func() error {
		target.Close()
		return nil
	})

	writer, err := sink.NewWriter(sink.WriterConfig{
		Target:         target,
		MetadataColumn: c.Sink.MetadataColumn,
		ContentColumn:  c.Sink.ContentColumn,
	})
	if err != nil {
		return nil, closers, err
	}

	clientCfg := clientConfig()
	supervisor := broker.NewSupervisor(supervisorConfig("consumer"), func() (broker.ConsumerClient, error) {
		return broker.NewConsumerClient(clientCfg)
	})

	loop, err := relay.NewConsumerLoop(relay.ConsumerLoopConfig{
		TargetTable:                 c.Sink.TargetTable,
		Consumer:                    broker.NewConsumer(c.Broker.Topic),
		Writer:                      writer,
		Supervisor:                  supervisor,
		PollTimeout:                 c.Consumer.PollTimeout(),
		RetryInitial:                c.Consumer.RetryInitial(),
		RetryMax:                    c.Consumer.RetryMax(),
		RetryMultiplier:             c.Consumer.RetryMultiplier,
		ErrorSleep:                  c.Job.ErrorSleep(),
		MaxConsecutiveApplyFailures: c.Consumer.MaxConsecutiveApplyFailures,
	})
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, loop.Close)
	return loop, closers, nil
}
