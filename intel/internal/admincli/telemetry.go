package admincli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/netintel/intel/internal/bootstrap"
	"github.com/malbeclabs/netintel/intel/internal/ingest"
	"github.com/malbeclabs/netintel/intel/internal/source"
)

type publishOptions struct {
	file        string
	brokers     string
	topic       string
	auth        string
	user        string
	password    string
	disableTLS  bool
	createTopic bool
	partitions  int32
}

func (a *App) telemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Replay telemetry into the ingest topic",
	}

	var opts publishOptions
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish telemetry payloads from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log, err := rootLogger(cmd)
			if err != nil {
				return err
			}
			payloads, err := readPayloads(opts.file)
			if err != nil {
				return err
			}
			producer, err := source.NewProducer(&source.Config{
				Logger:     log,
				Brokers:    bootstrap.SplitCSV(opts.brokers),
				Topic:      opts.topic,
				Auth:       source.AuthType(opts.auth),
				User:       opts.user,
				Password:   opts.password,
				DisableTLS: opts.disableTLS,
			})
			if err != nil {
				return err
			}
			defer producer.Close()

			if opts.createTopic {
				if err := producer.EnsureTopic(ctx, opts.partitions, 1); err != nil {
					return err
				}
			}
			if err := producer.Publish(ctx, payloads); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d payloads to %s\n", len(payloads), opts.topic)
			return nil
		},
	}
	f := publishCmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "JSON array of telemetry payloads")
	f.StringVar(&opts.brokers, "kafka-brokers", bootstrap.Getenv("INTEL_KAFKA_BROKERS", ""), "comma-separated kafka brokers (env: INTEL_KAFKA_BROKERS)")
	f.StringVar(&opts.topic, "kafka-topic", bootstrap.Getenv("INTEL_KAFKA_TOPIC", "intel-telemetry"), "telemetry topic (env: INTEL_KAFKA_TOPIC)")
	f.StringVar(&opts.auth, "kafka-auth", bootstrap.Getenv("INTEL_KAFKA_AUTH", string(source.AuthNone)), "kafka auth: none, scram or iam (env: INTEL_KAFKA_AUTH)")
	f.StringVar(&opts.user, "kafka-user", bootstrap.Getenv("INTEL_KAFKA_USER", ""), "scram user (env: INTEL_KAFKA_USER)")
	f.StringVar(&opts.password, "kafka-password", bootstrap.Getenv("INTEL_KAFKA_PASSWORD", ""), "scram password (env: INTEL_KAFKA_PASSWORD)")
	f.BoolVar(&opts.disableTLS, "kafka-disable-tls", bootstrap.GetenvBool("INTEL_KAFKA_DISABLE_TLS", false), "disable kafka tls (env: INTEL_KAFKA_DISABLE_TLS)")
	f.BoolVar(&opts.createTopic, "create-topic", false, "create the topic if it does not exist")
	f.Int32Var(&opts.partitions, "partitions", 3, "partitions for --create-topic")
	_ = publishCmd.MarkFlagRequired("file")

	cmd.AddCommand(publishCmd)
	return cmd
}

// readPayloads decodes a payload file. Shape errors are left to the ingest
// stage so replayed files exercise the same validation as live traffic.
func readPayloads(path string) ([]ingest.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	var payloads []ingest.Payload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("failed to parse payload file: %w", err)
	}
	if len(payloads) == 0 {
		return nil, errors.New("payload file is empty")
	}
	return payloads, nil
}
