package kafka

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"vn.io.arda/dirsync/internal/application"
	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/kafka/registry"

	// Blank import triggers init() in each handler file, registering
	// all trigger handlers into the registry.
	_ "vn.io.arda/dirsync/internal/kafka/handlers"
)

// Consumer wraps the franz-go Kafka client and turns trigger events
// into sync runs.
type Consumer struct {
	client       *kgo.Client
	service      *application.Service
	defaultAppID string
}

// New creates a Consumer with the given brokers, group ID, and topics.
// defaultAppID is used for events that do not name an application.
func New(brokers []string, groupID string, topics []string, svc *application.Service, defaultAppID string) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, service: svc, defaultAppID: defaultAppID}, nil
}

// Start begins polling Kafka and processing records. Blocks until ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	log.Info().Msg("kafka consumer started")

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("kafka fetch error")
		})

		fetches.EachRecord(func(r *kgo.Record) {
			c.process(ctx, r)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			log.Error().Err(err).Msg("kafka commit error")
		}
	}

	c.client.Close()
	log.Info().Msg("kafka consumer stopped")
}

// process dispatches a Kafka record to the registered handler via the
// registry, then runs the resulting sync request.
func (c *Consumer) process(ctx context.Context, r *kgo.Record) {
	log.Debug().
		Str("topic", r.Topic).
		Str("key", string(r.Key)).
		Msg("processing kafka record")

	// sync-commands doesn't use eventType routing
	req := registry.DispatchDirect(r.Topic, r.Value)
	if req == nil {
		req = registry.Dispatch(r.Topic, r.Value)
	}

	if req == nil {
		log.Debug().Str("topic", r.Topic).Msg("no handler matched, skipping")
		return
	}

	if req.AppID == "" {
		req.AppID = c.defaultAppID
	}
	if req.AppID == "" {
		log.Warn().Str("topic", r.Topic).Msg("trigger names no application and no default is configured, skipping")
		return
	}

	run, err := c.service.Sync(ctx, *req)
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			// The in-flight run will fetch state at least as fresh as
			// this trigger.
			log.Debug().Str("app_id", req.AppID).Msg("sync already in progress, trigger dropped")
			return
		}
		log.Error().Err(err).
			Str("topic", r.Topic).
			Str("app_id", req.AppID).
			Str("triggered_by", req.TriggeredBy).
			Msg("failed to run sync from kafka trigger")
		return
	}

	if run.Report.Partial() {
		log.Warn().
			Str("run_id", run.ID.String()).
			Int("failed", run.Report.FailedCount).
			Msg("kafka-triggered sync finished with failures")
	}
}
