package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	Logger     *slog.Logger
	now        func() time.Time
}

// New buat koneksi MinIO
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Store{client: cli, bucketName: bucket, region: region, now: func() time.Time { return time.Now().UTC() }}, nil
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func (s *Store) objectURL(key string) string {
	// URL publik (jika bucket public), kalau private harus generate presigned URL
	return fmt.Sprintf("http://%s/%s/%s", s.client.EndpointURL().Host, s.bucketName, key)
}

// Upload file lokal ke bucket
func (s *Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

// UploadAndCleanup upload file ke Minio dan hapus file lokal setelahnya
func (s *Store) UploadAndCleanup(ctx context.Context, localPath, key string) (string, error) {
	url, err := s.Upload(ctx, localPath, key)
	if err != nil {
		return "", err
	}

	// upload sudah berhasil, gagal hapus cukup di-log
	if removeErr := os.Remove(localPath); removeErr != nil {
		logging.OrDefault(s.Logger).Warn("failed to remove local file", "path", localPath, "err", removeErr)
	}
	return url, nil
}

// BatchKey is the object key for one raw engine batch.
func BatchKey(taskID string, engine engines.Name, at time.Time) string {
	return fmt.Sprintf("findings/%s/%s/%d.json", taskID, engine, at.UnixNano())
}

// ArchiveBatch simpan raw batch dari engine sebagai JSON (findings.Archive)
func (s *Store) ArchiveBatch(ctx context.Context, taskID string, engine engines.Name, batch []engines.FindingDTO) (string, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return "", err
	}
	key := BatchKey(taskID, engine, s.now())
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("archive batch: %w", err)
	}
	return s.objectURL(key), nil
}
