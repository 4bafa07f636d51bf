package source

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type mockKafkaClient struct {
	fetches   kgo.Fetches
	commits   int
	commitErr error
}

func (m *mockKafkaClient) PollFetches(context.Context) kgo.Fetches { return m.fetches }

func (m *mockKafkaClient) CommitUncommittedOffsets(context.Context) error {
	m.commits++
	return m.commitErr
}

func (m *mockKafkaClient) Close() {}

func testFetches(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      "intel-telemetry",
			Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
		}},
	}}
}

func newTestKafka(t *testing.T, client kafkaClient) *Kafka {
	t.Helper()
	k, err := NewKafka(&Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		client: client,
	})
	require.NoError(t, err)
	return k
}

func TestIntel_Source_KafkaPoll(t *testing.T) {
	t.Parallel()

	t.Run("decodes every record in the batch", func(t *testing.T) {
		t.Parallel()
		client := &mockKafkaClient{fetches: testFetches(
			&kgo.Record{Value: []byte(`{"tenant_id":"tenant-a","hour_bucket":"2025-03-01T11:00:00Z","metrics":{"error_rate":0.4}}`)},
			&kgo.Record{Value: []byte(`{"tenant_id":"tenant-b","hour_bucket":"2025-03-01T11:00:00+02:00","metrics":{"latency_p95_ms":12}}`)},
		)}
		payloads, err := newTestKafka(t, client).Poll(context.Background())
		require.NoError(t, err)
		require.Len(t, payloads, 2)
		assert.Equal(t, domain.TenantID("tenant-a"), payloads[0].TenantID)
		assert.InDelta(t, 0.4, payloads[0].Metrics["error_rate"], 1e-9)
		assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), payloads[1].HourBucket)
	})

	t.Run("skips undecodable records", func(t *testing.T) {
		t.Parallel()
		client := &mockKafkaClient{fetches: testFetches(
			&kgo.Record{Value: []byte(`not json`)},
			&kgo.Record{Value: []byte(`{"tenant_id":"tenant-a","hour_bucket":"2025-03-01T11:00:00Z","metrics":{"error_rate":0.4}}`)},
		)}
		payloads, err := newTestKafka(t, client).Poll(context.Background())
		require.NoError(t, err)
		require.Len(t, payloads, 1)
		assert.Equal(t, domain.TenantID("tenant-a"), payloads[0].TenantID)
	})

	t.Run("empty fetch", func(t *testing.T) {
		t.Parallel()
		payloads, err := newTestKafka(t, &mockKafkaClient{}).Poll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, payloads)
	})
}

func TestIntel_Source_KafkaCommit(t *testing.T) {
	t.Parallel()

	client := &mockKafkaClient{}
	k := newTestKafka(t, client)
	require.NoError(t, k.Commit(context.Background()))
	assert.Equal(t, 1, client.commits)

	client.commitErr = assert.AnError
	require.ErrorIs(t, k.Commit(context.Background()), assert.AnError)
}

func TestIntel_Source_ConfigValidate(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "no logger", cfg: Config{Brokers: []string{"b:9092"}, Topic: "t", Group: "g"}, wantErr: "logger is required"},
		{name: "no brokers", cfg: Config{Logger: log, Topic: "t", Group: "g"}, wantErr: "brokers are required"},
		{name: "no topic", cfg: Config{Logger: log, Brokers: []string{"b:9092"}, Group: "g"}, wantErr: "topic is required"},
		{name: "no group", cfg: Config{Logger: log, Brokers: []string{"b:9092"}, Topic: "t"}, wantErr: "consumer group is required"},
		{name: "scram without password", cfg: Config{Logger: log, Brokers: []string{"b:9092"}, Topic: "t", Group: "g", Auth: AuthSCRAM, User: "u"}, wantErr: "scram auth requires"},
		{name: "unknown auth", cfg: Config{Logger: log, Brokers: []string{"b:9092"}, Topic: "t", Group: "g", Auth: "kerberos"}, wantErr: "unknown auth type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := Config{Logger: log, Brokers: []string{"b:9092"}, Topic: "t", Group: "g"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, AuthNone, cfg.Auth)
	assert.Equal(t, defaultPollTimeout, cfg.PollTimeout)
}
