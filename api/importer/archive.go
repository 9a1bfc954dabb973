package importer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver keeps a copy of every uploaded bill file in S3 for audit replay.
// Disabled unless BILL_ARCHIVE_BUCKET is set.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiverFromEnv wires the archiver from the environment. Returns nil
// (archival off) when no bucket is configured or AWS config cannot load.
func NewArchiverFromEnv(ctx context.Context) *Archiver {
	bucket := os.Getenv("BILL_ARCHIVE_BUCKET")
	if bucket == "" {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Println("[Importer] S3 archival disabled, aws config failed:", err)
		return nil
	}
	return &Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}
}

// ArchiveAsync uploads in the background. Archival never blocks or fails an
// import.
func (a *Archiver) ArchiveAsync(batch *ImportBatch, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		key := fmt.Sprintf("bill-imports/%d/%s/batch_%d_%s",
			batch.UserID, time.Now().Format("2006/01"), batch.ID, batch.FileName)
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &a.bucket,
			Key:    &key,
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			log.Println("[Importer] archive upload failed for batch", batch.ID, ":", err)
			return
		}
		log.Println("[Importer] archived batch", batch.ID, "to", key)
	}()
}
