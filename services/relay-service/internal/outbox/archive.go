package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

type ArchiveConfig struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// Archiver keeps sealed copies of undeliverable events in object storage
// after their outbox row is gone. Best-effort: the authoritative record is
// the dead-letter table.
type Archiver struct {
	client *s3.Client
	bucket string
	codec  *eventstore.Codec
	logger *slog.Logger
}

func NewArchiver(ctx context.Context, cfg ArchiveConfig, codec *eventstore.Codec, logger *slog.Logger) (*Archiver, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("archive region and bucket are required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket, codec: codec, logger: logger}, nil
}

// Archive seals the event and writes it under dlq/{date}/{id}.bin. Errors
// are logged, never propagated; the sweep already completed.
func (a *Archiver) Archive(ctx context.Context, msg *Message, reason string) {
	sealed, err := a.codec.SealIntegration(msg.Event)
	if err != nil {
		a.logger.Error("dead letter archive seal failed", "id", msg.ID, "err", err)
		return
	}
	key := fmt.Sprintf("dlq/%s/%s.bin", time.Now().UTC().Format("2006-01-02"), msg.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(sealed),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"event-name": msg.Event.EventName,
			"reason":     reason,
		},
	})
	if err != nil {
		a.logger.Error("dead letter archive failed", "id", msg.ID, "key", key, "err", err)
		return
	}
	a.logger.Info("dead letter archived", "id", msg.ID, "key", key)
}
