package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"subsync/internal/audit"
	"subsync/internal/broker"
	"subsync/internal/config"
	"subsync/internal/ledger"
	"subsync/internal/notifier"
	"subsync/internal/reconciler"
	"subsync/internal/subscription"
	"subsync/pkg/models"
)

func setupKafkaBroker(t *testing.T) []string {
	t.Helper()

	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(ctx)
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}

	return brokers
}

func createTopic(t *testing.T, brokers []string, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", brokers[0])
	if err != nil {
		t.Fatalf("failed to dial kafka: %v", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		t.Fatalf("failed to get kafka controller: %v", err)
	}

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		t.Fatalf("failed to dial kafka controller: %v", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Fatalf("failed to create topic %s: %v", topic, err)
	}
}

func readStateChanges(t *testing.T, brokers []string, topic string, timeout time.Duration) []models.StateChange {
	t.Helper()

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        fmt.Sprintf("notifier-test-%s", uuid.New().String()),
		StartOffset:    kafkago.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        2 * time.Second,
	})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var changes []models.StateChange
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return changes
		}

		var change models.StateChange
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			t.Fatalf("failed to unmarshal state change: %v", err)
		}
		_ = reader.CommitMessages(ctx, msg)
		changes = append(changes, change)
	}
}

func TestNotifier_PublishesStateChange(t *testing.T) {
	brokers := setupKafkaBroker(t)

	topic := "billing.subscription.state-changes"
	createTopic(t, brokers, topic)

	cfg := config.KafkaConfig{
		Brokers:          brokers,
		StateChangeTopic: topic,
	}

	producer, err := broker.NewProducer(config.BrokerConfig{Type: "kafka", Kafka: cfg}, createTestLogger())
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	publisher := notifier.NewPublisher(producer, cfg, createTestLogger())

	occurredAt := time.Unix(1700000000, 0).UTC()
	publisher.PublishStateChange(context.Background(), models.StateChange{
		EventID:    "evt_notify_1",
		EntityID:   "cus_notify_1",
		FromState:  "active",
		ToState:    "past_due",
		PlanID:     "pro",
		OccurredAt: occurredAt,
	})

	changes := readStateChanges(t, brokers, topic, 15*time.Second)
	if len(changes) != 1 {
		t.Fatalf("expected 1 state change on topic, got %d", len(changes))
	}

	change := changes[0]
	if change.EventID != "evt_notify_1" {
		t.Errorf("unexpected event id: %s", change.EventID)
	}
	if change.EntityID != "cus_notify_1" {
		t.Errorf("unexpected entity id: %s", change.EntityID)
	}
	if change.FromState != "active" || change.ToState != "past_due" {
		t.Errorf("unexpected transition: %s -> %s", change.FromState, change.ToState)
	}
	if !change.OccurredAt.Equal(occurredAt) {
		t.Errorf("unexpected occurred_at: %v", change.OccurredAt)
	}
	if change.ChangedAt.IsZero() {
		t.Error("changed_at should be stamped on publish")
	}
}

func TestNotifier_ReconcilerEmitsOnlyOnStateChange(t *testing.T) {
	infra := SetupTestInfra(t)
	brokers := setupKafkaBroker(t)

	topic := "billing.subscription.state-changes"
	createTopic(t, brokers, topic)

	cfg := config.KafkaConfig{
		Brokers:          brokers,
		StateChangeTopic: topic,
	}

	producer, err := broker.NewProducer(config.BrokerConfig{Type: "kafka", Kafka: cfg}, createTestLogger())
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	svc := reconciler.NewService(
		infra.PostgresDB,
		ledger.NewRepository(infra.PostgresDB),
		subscription.NewRepository(infra.PostgresDB),
		audit.NewLogger(infra.PostgresDB, createTestLogger()),
		notifier.NewPublisher(producer, cfg, createTestLogger()),
		createTestLogger(),
		reconcileTxTimeout,
	)

	ctx := context.Background()
	entityID := uniqueEntity("cus_notify")
	base := time.Unix(1700000000, 0).UTC()

	// New subscription, a real transition, and a redelivery of the
	// transition. Only the first two change state.
	if _, err := svc.Apply(ctx, subscriptionCreated(t, "evt_nf_1", entityID, base)); err != nil {
		t.Fatalf("apply created: %v", err)
	}
	if _, err := svc.Apply(ctx, invoicePaymentFailed(t, "evt_nf_2", entityID, base.Add(time.Minute))); err != nil {
		t.Fatalf("apply payment failed: %v", err)
	}
	if _, err := svc.Apply(ctx, invoicePaymentFailed(t, "evt_nf_2", entityID, base.Add(time.Minute))); err != nil {
		t.Fatalf("apply redelivery: %v", err)
	}

	changes := readStateChanges(t, brokers, topic, 15*time.Second)
	if len(changes) != 2 {
		t.Fatalf("expected 2 state changes on topic, got %d", len(changes))
	}

	// Publishes run in the background, so match by event id rather than
	// arrival order.
	byEvent := make(map[string]models.StateChange, len(changes))
	for _, change := range changes {
		byEvent[change.EventID] = change
	}
	if _, ok := byEvent["evt_nf_1"]; !ok {
		t.Error("missing state change for evt_nf_1")
	}
	failure, ok := byEvent["evt_nf_2"]
	if !ok {
		t.Fatal("missing state change for evt_nf_2")
	}
	if failure.FromState != "active" || failure.ToState != "past_due" {
		t.Errorf("unexpected transition: %s -> %s", failure.FromState, failure.ToState)
	}
}
