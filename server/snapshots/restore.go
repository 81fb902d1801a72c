package snapshots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/nrednav/cuid2"
)

// RestoreLatestSnapshot downloads the newest SQLite snapshot from S3 when
// the local database file does not exist yet. The state stream then replays
// everything newer than the snapshot on top, see the consumer setup in core.
func RestoreLatestSnapshot(sqlitePath string, config Config) error {
	if !hasConfig(config) || !config.EnableRestore {
		return nil
	}
	if sqlitePath == "" {
		return nil
	}
	if _, err := os.Stat(sqlitePath); os.IsNotExist(err) {
		if err := restoreSQLiteSnapshot(context.Background(), sqlitePath, config); err != nil {
			return fmt.Errorf("failed to restore SQLite snapshot: %w", err)
		}
	}
	return nil
}

func restoreSQLiteSnapshot(ctx context.Context, localPath string, config Config) error {
	config.Logger.Info("SQLite empty. Looking for SQLite snapshots in S3")
	minioClient, err := newMinioClient(config.S3Endpoint, config.S3Region, config.S3AccessKey, config.S3SecretKey)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	bucketExist, err := minioClient.BucketExists(ctx, config.S3Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", config.S3Bucket, err)
	}
	if !bucketExist {
		return fmt.Errorf("bucket %s does not exist", config.S3Bucket)
	}
	latestSnapshot, err := getLatestSnapshot(ctx, minioClient, config.S3Bucket, SNAPSHOT_SQLITE_FILE_PREFIX)
	if err != nil {
		return fmt.Errorf("failed to find latest SQLite snapshot: %w", err)
	}
	if latestSnapshot == "" {
		config.Logger.Info("No SQLite snapshots found")
		return nil
	}
	startTime := time.Now()
	config.Logger.Info("Downloading SQLite snapshot", slog.String("snapshot", latestSnapshot))

	// Download to a temp file first so a failed transfer never leaves a
	// half-written database behind
	tempFile := filepath.Join(os.TempDir(), fmt.Sprintf("requery-sqlite-restore-%s.db", cuid2.Generate()))
	defer os.Remove(tempFile)

	obj, err := minioClient.GetObject(ctx, config.S3Bucket, latestSnapshot, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to download SQLite snapshot: %w", err)
	}
	defer obj.Close()

	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary SQLite file: %w", err)
	}
	defer file.Close()

	_, err = io.Copy(file, obj)
	if err != nil {
		return fmt.Errorf("failed to write SQLite snapshot to temp file: %w", err)
	}
	file.Close()

	err = os.Rename(tempFile, localPath)
	if err != nil {
		return fmt.Errorf("failed to move SQLite snapshot to final location: %w", err)
	}

	duration := time.Since(startTime)
	config.Logger.Info("SQLite snapshot restored successfully", slog.String("snapshot", latestSnapshot), slog.Duration("duration", duration))
	return nil
}

// getLatestSnapshot finds the most recent snapshot in the specified S3 prefix
func getLatestSnapshot(ctx context.Context, client *minio.Client, bucket, prefix string) (string, error) {
	objectCh := client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix})
	var latestKey string
	var latestTimestamp time.Time
	var found bool
	for object := range objectCh {
		if object.Err != nil {
			return "", fmt.Errorf("error listing objects: %w", object.Err)
		}
		key := strings.TrimSuffix(object.Key, "/")
		timestamp := extractTimestampFromKey(key)
		if timestamp.IsZero() {
			continue // Skip objects without valid timestamps
		}
		if !found || timestamp.After(latestTimestamp) {
			latestKey = key
			latestTimestamp = timestamp
			found = true
		}
	}
	if !found {
		return "", nil
	}
	return latestKey, nil
}

func extractTimestampFromKey(key string) time.Time {
	filename := filepath.Base(key)
	if ext := filepath.Ext(filename); ext != "" {
		filename = strings.TrimSuffix(filename, ext)
	}
	// Expected format: requery-sqlite-2006-01-02_15-04-05
	parts := strings.Split(filename, "-")
	if len(parts) >= 5 {
		timestampParts := parts[len(parts)-5:]
		timestampStr := strings.Join(timestampParts, "-")
		if timestamp, err := time.Parse("2006-01-02_15-04-05", timestampStr); err == nil {
			return timestamp
		}
	}
	return time.Time{}
}
