package objectstore

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
)

const (
	defaultUploadPartSize = 5 * 1024 * 1024 // 5MB
	deleteBatchSize       = 1000
)

// S3Config holds the settings for an S3-backed object store
type S3Config struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Region string `yaml:"region" json:"region"`
}

// S3Store is an object store backed by an S3 bucket. Opened objects are
// spooled to a temp file so readers get random access without holding the
// whole object in memory.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	logger     *zap.Logger
}

// NewS3Store creates an S3 object store using the default AWS credential
// chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg)

	return &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = defaultUploadPartSize
		}),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		logger:     logger.With(zap.String("component", "s3_store"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put uploads an object under the given key
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   r,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload object")
	}
	return nil
}

// List returns all objects under the prefix in key order
func (s *S3Store) List(ctx context.Context, prefix string) ([]Ref, error) {
	full := s.fullKey(prefix)

	var refs []Ref
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			refs = append(refs, Ref{Key: key, Size: aws.ToInt64(obj.Size)})
		}
	}

	return refs, nil
}

// Open downloads the object to a temp file and returns a handle over it.
// The temp file is removed when the handle is closed.
func (s *S3Store) Open(ctx context.Context, ref Ref) (Object, error) {
	tmp, err := os.CreateTemp("", "tributary-stage-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStream, "failed to create spool file")
	}

	n, err := s.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(ref.Key)),
	})
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to download object")
	}

	return &spooledObject{file: tmp, size: n}, nil
}

// Delete removes every object under the prefix, batching delete calls.
func (s *S3Store) Delete(ctx context.Context, prefix string) error {
	refs, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}

	for start := 0; start < len(refs); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(refs) {
			end = len(refs)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, ref := range refs[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(s.fullKey(ref.Key))})
		}

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete objects")
		}
	}

	s.logger.Debug("deleted staged objects", zap.String("prefix", prefix), zap.Int("count", len(refs)))

	return nil
}

// URI renders the s3:// location of a key
func (s *S3Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + s.fullKey(key)
}

type spooledObject struct {
	file *os.File
	size int64
}

func (o *spooledObject) ReadAt(p []byte, off int64) (int, error) {
	return o.file.ReadAt(p, off)
}

func (o *spooledObject) Size() int64 { return o.size }

func (o *spooledObject) Close() error {
	name := o.file.Name()
	err := o.file.Close()
	os.Remove(name)
	return err
}
