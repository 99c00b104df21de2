package main

import (
	"fmt"

	"github.com/example/record-import-transformer/internal/apiclient"
	"github.com/example/record-import-transformer/internal/broker/rabbitmq"
	"github.com/example/record-import-transformer/internal/kafka/producer"
	kafkapublisher "github.com/example/record-import-transformer/internal/kafka/publisher"
	"github.com/example/record-import-transformer/internal/logger"
	"github.com/example/record-import-transformer/internal/records"
	"github.com/example/record-import-transformer/internal/transformer"
)

func (a *app) newPipeline() (*transformer.Pipeline, error) {
	client, err := apiclient.New(a.cfg.API, logger.Component(a.log, "api-client"))
	if err != nil {
		return nil, err
	}

	dialer := rabbitmq.NewDialer(logger.Component(a.log, "amqp"))

	pipeline, err := transformer.New(transformer.Settings{
		AMQPURL:               a.cfg.AMQP.URL,
		ValidationConcurrency: a.cfg.Validation.Concurrency,
	}, transformer.Dependencies{
		API:         client,
		Dialer:      dialer,
		Transformer: records.JSONTransformer{},
		Validator:   records.NewRequiredFieldsValidator(a.cfg.Validation.RequiredFields...),
		Logger:      logger.Component(a.log, "pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	return pipeline, nil
}

// newStatusPublisher returns nil publisher and producer when status events are
// not configured.
func (a *app) newStatusPublisher() (*kafkapublisher.StatusPublisher, *producer.Producer, error) {
	if !a.cfg.StatusEventsEnabled() {
		return nil, nil, nil
	}
	prod, err := producer.New(a.cfg.Kafka.Brokers, a.cfg.Kafka.StatusTopic, logger.Component(a.log, "kafka-producer"))
	if err != nil {
		return nil, nil, err
	}
	pub := kafkapublisher.NewStatusPublisher(prod, logger.Component(a.log, "status-publisher"))
	return pub, prod, nil
}

func (a *app) closeProducer(prod *producer.Producer) {
	if prod == nil {
		return
	}
	if err := prod.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close kafka producer")
	}
}
