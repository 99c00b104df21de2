package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/record-import-transformer/internal/health"
	"github.com/example/record-import-transformer/internal/kafka/consumer"
	"github.com/example/record-import-transformer/internal/logger"
	"github.com/example/record-import-transformer/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume transformation jobs from Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateWorker(); err != nil {
				a.log.Error().Err(err).Msg("invalid worker configuration")
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx)
		},
	}
}

func (a *app) runWorker(ctx context.Context) error {
	log := a.log

	pipeline, err := a.newPipeline()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise pipeline")
		return err
	}

	statusPublisher, prod, err := a.newStatusPublisher()
	if err != nil {
		log.Error().Err(err).Msg("failed to create kafka producer")
		return err
	}
	defer a.closeProducer(prod)

	cons, err := consumer.New(a.cfg.Kafka.Brokers, a.cfg.Kafka.ConsumerGroup, logger.Component(log, "kafka-consumer"), a.cfg.Worker.CommitOnSuccessOnly)
	if err != nil {
		log.Error().Err(err).Msg("failed to create kafka consumer")
		return err
	}

	deps := worker.Dependencies{
		Runner: pipeline,
		Logger: log,
		Now:    time.Now,
	}
	if statusPublisher != nil {
		deps.StatusPublisher = statusPublisher
	}
	engine, err := worker.NewEngine(worker.Config{
		MsgMaxBytes:       a.cfg.Worker.MsgMaxBytes,
		MaxAttempts:       a.cfg.Worker.MaxAttempts,
		BaseBackoff:       time.Duration(a.cfg.Worker.BaseBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(a.cfg.Worker.MaxBackoffSeconds) * time.Second,
		WorkerConcurrency: a.cfg.Worker.Concurrency,
	}, deps)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise worker engine")
		_ = cons.Close()
		return err
	}

	var healthSrv *health.Server
	if a.cfg.Health.Port > 0 {
		healthSrv = health.NewServer(logger.Component(log, "health"))
		healthSrv.Register("kafka-consumer", cons.IsReady)
		if prod != nil {
			healthSrv.Register("kafka-producer", prod.IsReady)
		}
		go func() {
			if err := healthSrv.Start(a.cfg.Health.Port); err != nil {
				log.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, []string{a.cfg.Kafka.JobTopic}, worker.KafkaHandler(engine, cons)); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Str("job_topic", a.cfg.Kafka.JobTopic).Msg("transformer worker started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("consumer terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("in-flight jobs did not finish before shutdown")
	}
	if err := cons.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close kafka consumer")
	}
	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop health server")
		}
	}
	return runErr
}
