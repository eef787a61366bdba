package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/driftwave/mediagen/internal/domain"
)

// TopicJobEvents is the Kafka topic carrying mirrored job events.
const TopicJobEvents = "mediagen.job-events"

// Mirror republishes every job event to Kafka, keyed by channel, so that
// server replicas other than the one running the poll worker can fan events
// out to their own SSE subscribers.
type Mirror struct {
	client *kgo.Client
}

// NewMirror connects to the given brokers and ensures the topic exists.
func NewMirror(brokers []string) (*Mirror, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=eventbus.mirror: no seed brokers provided")
	}
	tracer := kotel.NewTracer()
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=eventbus.mirror: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicJobEvents, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", TopicJobEvents), slog.Any("error", err))
	}
	return &Mirror{client: client}, nil
}

// Publish produces the event asynchronously; a failed produce is logged and
// dropped (events are at-most-once by contract).
func (m *Mirror) Publish(channel string, ev domain.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("mirror marshal failed", slog.Any("error", err))
		return
	}
	rec := &kgo.Record{Topic: TopicJobEvents, Key: []byte(channel), Value: b}
	m.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("mirror produce failed",
				slog.String("channel", channel),
				slog.String("job_id", ev.JobID),
				slog.Any("error", err))
		}
	})
}

// Close flushes and closes the underlying client.
func (m *Mirror) Close() {
	_ = m.client.Flush(context.Background())
	m.client.Close()
}

// TeeBus publishes to the local in-memory bus and mirrors to Kafka.
// Subscriptions are served locally.
type TeeBus struct {
	Local  *Bus
	Mirror *Mirror
}

func (t *TeeBus) Publish(channel string, ev domain.Event) {
	t.Local.Publish(channel, ev)
	if t.Mirror != nil {
		t.Mirror.Publish(channel, ev)
	}
}

func (t *TeeBus) Subscribe(channel string) *domain.Subscription {
	return t.Local.Subscribe(channel)
}

// Relay consumes mirrored job events and republishes them to a local bus so
// this replica's SSE subscribers see events produced elsewhere. Each replica
// consumes the whole topic (no consumer group) because every replica needs
// every event.
type Relay struct {
	client *kgo.Client
	local  *Bus
}

// NewRelay connects to the given brokers and starts consuming from the end of
// the topic. Historic events are not replayed; clients reconcile through the
// job read view.
func NewRelay(brokers []string, local *Bus) (*Relay, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=eventbus.relay: no seed brokers provided")
	}
	tracer := kotel.NewTracer()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(TopicJobEvents),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=eventbus.relay: %w", err)
	}
	return &Relay{client: client, local: local}, nil
}

// Run blocks, republishing consumed events until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	for {
		fetches := r.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("relay fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var ev domain.Event
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				slog.Error("relay unmarshal failed", slog.Any("error", err))
				return
			}
			r.local.Publish(string(rec.Key), ev)
		})
	}
}

// Close shuts down the consumer client.
func (r *Relay) Close() { r.client.Close() }

// createTopicIfNotExists creates the topic via the Kafka admin API, treating
// TOPIC_ALREADY_EXISTS as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// 36 = TOPIC_ALREADY_EXISTS
			if topicResp.ErrorCode == 36 {
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
	}
	return nil
}
