// SPDX-License-Identifier: MPL-2.0

package snapshots

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nrednav/cuid2"
)

const (
	SNAPSHOT_SUBJECT            = "snapshot"
	SNAPSHOT_PREFIX             = "requery-snapshots/"
	SNAPSHOT_SQLITE_FILE_PREFIX = SNAPSHOT_PREFIX + "requery-sqlite-"
)

// Config holds the configuration for the snapshots service
type Config struct {
	Logger          *slog.Logger
	Sqlite          *sqlx.DB
	Nats            *nats.Conn
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string // Optional - if empty, will use credential chain
	S3SecretKey     string // Optional - if empty, will use credential chain
	EnableSnapshots bool
	EnableRestore   bool
	Stream          string
	ConsumerName    string
	SubjectPrefix   string
	ScheduledTime   string // Format: "HH:MM"
}

type Service struct {
	config     Config
	js         jetstream.JetStream
	consumer   jetstream.Consumer
	consumeCtx jetstream.ConsumeContext
	timer      *time.Timer
	stopChan   chan struct{}
	enabled    bool
}

func Start(config Config) (*Service, error) {
	s := &Service{
		config:   config,
		stopChan: make(chan struct{}),
		enabled:  hasConfig(config) && config.EnableSnapshots,
	}
	if !s.enabled {
		config.Logger.Info("Snapshots disabled")
		return s, nil
	}
	js, err := jetstream.New(config.Nats)
	if err != nil {
		return s, fmt.Errorf("failed to create JetStream: %w", err)
	}
	s.js = js
	if err := s.setupStreamAndConsumer(); err != nil {
		return s, fmt.Errorf("failed to setup stream and consumer: %w", err)
	}
	s.scheduleNext()
	return s, nil
}

func hasConfig(config Config) bool {
	return config.S3Bucket != ""
}

func (s *Service) setupStreamAndConsumer() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stream, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:                 s.config.Stream,
		Subjects:             []string{s.config.SubjectPrefix + ">"},
		Storage:              jetstream.FileStorage,
		DiscardNewPerSubject: true,
		Discard:              jetstream.DiscardNew,
		MaxMsgsPerSubject:    1,
		Retention:            jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot stream: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable: s.config.ConsumerName,
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot consumer: %w", err)
	}
	s.consumer = consumer
	consumeCtx, err := consumer.Consume(s.handleSnapshot, jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("failed to consume snapshots: %w", err)
	}
	s.consumeCtx = consumeCtx
	return nil
}

func (s *Service) scheduleNext() {
	if !s.enabled {
		return
	}
	now := time.Now()
	scheduledTime, err := time.Parse("15:04", s.config.ScheduledTime)
	if err != nil {
		s.config.Logger.Error("Invalid snapshot time format", slog.String("time", s.config.ScheduledTime), slog.Any("error", err))
		return
	}
	nextRun := time.Date(now.Year(), now.Month(), now.Day(), scheduledTime.Hour(), scheduledTime.Minute(), 0, 0, now.Location())
	if nextRun.Before(now) {
		nextRun = nextRun.Add(24 * time.Hour) // Schedule for tomorrow
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(time.Until(nextRun), func() {
		s.triggerSnapshot("snapshot-" + nextRun.Format("2006-01-02_15-04-05"))
	})
	s.config.Logger.Info("Next snapshot scheduled", slog.Time("next_run", nextRun))
}

func (s *Service) triggerSnapshot(id string) {
	if !s.enabled {
		return
	}
	if err := s.publishSnapshotRequest(id); err != nil {
		s.config.Logger.Error("Failed to publish snapshot message", slog.Any("error", err))
	}
	s.scheduleNext()
}

// TriggerNow requests a snapshot outside the daily schedule. The work queue
// dedupes by message id, so rapid re-triggers within the same second
// collapse into one snapshot.
func (s *Service) TriggerNow() error {
	if !s.enabled {
		return fmt.Errorf("snapshots are not configured")
	}
	return s.publishSnapshotRequest("manual-" + time.Now().Format("2006-01-02_15-04-05"))
}

func (s *Service) publishSnapshotRequest(id string) error {
	subject := s.config.SubjectPrefix + SNAPSHOT_SUBJECT
	s.config.Logger.Info("Triggering snapshot", slog.String("msg_id", id))
	_, err := s.js.Publish(context.Background(), subject, []byte{}, jetstream.WithMsgID(id))
	if err != nil {
		// A snapshot is already queued, the work queue holds one message per
		// subject at most
		if strings.Contains(err.Error(), "code=503 err_code=10077") {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) handleSnapshot(msg jetstream.Msg) {
	startTime := time.Now()
	if err := msg.Ack(); err != nil {
		s.config.Logger.Error("Failed to ack snapshot message", slog.Any("error", err))
		return
	}
	if !s.enabled {
		s.config.Logger.Warn("Snapshots disabled")
		return
	}
	s.config.Logger.Info("Processing snapshot")
	success := s.performSnapshot()
	duration := time.Since(startTime)
	metricSnapshotTotalDuration.Observe(duration.Seconds())
	if success {
		metricSnapshotCounter.WithLabelValues("success").Inc()
		s.config.Logger.Info("Snapshot completed successfully", slog.Duration("duration", duration))
	} else {
		metricSnapshotCounter.WithLabelValues("failed").Inc()
		s.config.Logger.Error("Snapshot failed", slog.Duration("duration", duration))
	}
}

func (s *Service) performSnapshot() bool {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return s.snapshotSQLite(context.Background(), timestamp)
}

func (s *Service) snapshotSQLite(ctx context.Context, timestamp string) bool {
	s.config.Logger.Info("Starting SQLite snapshot")
	startTime := time.Now()
	// Create temporary file
	tempFile := filepath.Join(os.TempDir(), fmt.Sprintf("requery-sqlite-%s-%s.db", timestamp, cuid2.Generate()))
	defer os.Remove(tempFile)
	_, err := s.config.Sqlite.ExecContext(ctx, "VACUUM INTO ?", tempFile)
	if err != nil {
		s.config.Logger.Error("Failed to create SQLite snapshot", slog.Any("error", err))
		return false
	}
	// Upload to S3
	s3Key := fmt.Sprintf("%s%s.db", SNAPSHOT_SQLITE_FILE_PREFIX, timestamp)
	err = uploadFileToS3(
		ctx,
		tempFile,
		s.config.S3Bucket,
		s3Key,
		s.config.S3Endpoint,
		s.config.S3Region,
		s.config.S3AccessKey,
		s.config.S3SecretKey,
	)
	if err != nil {
		s.config.Logger.Error("Failed to upload SQLite snapshot to S3", slog.Any("error", err))
		return false
	}
	duration := time.Since(startTime)
	metricSqliteSnapshotDuration.Observe(duration.Seconds())
	s.config.Logger.Info("SQLite snapshot completed", slog.Duration("duration", duration), slog.String("s3_key", s3Key))
	return true
}

func (s *Service) Stop() {
	if !s.enabled {
		return
	}
	s.config.Logger.Info("Stopping snapshots service")
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.consumeCtx != nil {
		s.consumeCtx.Drain()
		<-s.consumeCtx.Closed()
	}
	close(s.stopChan)
	s.config.Logger.Info("Snapshots service stopped")
}
