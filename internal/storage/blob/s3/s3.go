package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/storage/blob"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const modName = "storage.blob.s3"

const (
	CredsTypeFileMinio = "file_minio"
	CredsTypeFileAWS   = "file_aws"
	CredsTypeAccessKey = "access_key"
	CredsTypeIAM       = "iam"
	CredsTypeDefault   = CredsTypeAccessKey
)

type Config struct {
	Endpoint     string
	Secure       bool
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	ObjectPrefix string
	Creds        string
}

type Store struct {
	log log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string
}

func New(cfg Config, logger log.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s: endpoint not set", modName)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%s: bucket not set", modName)
	}

	var creds *credentials.Credentials

	switch cfg.Creds {
	case CredsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case CredsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case CredsTypeIAM:
		creds = credentials.NewIAM("")
	case CredsTypeAccessKey, "":
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	default:
		return nil, fmt.Errorf("%s: unknown credentials type: %s", modName, cfg.Creds)
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}

	return &Store{
		log:          logger,
		endpoint:     cfg.Endpoint,
		cl:           cl,
		bucketName:   cfg.Bucket,
		objectPrefix: cfg.ObjectPrefix,
	}, nil
}

type s3blob struct {
	pw      *io.PipeWriter
	didSync bool
	errCh   chan error
}

func (b *s3blob) Sync() error {
	// We do this in Sync instead of Close because
	// callers may not actually check the error of Close.
	// The problematic restriction is that Sync can now be called
	// only once.
	if b.didSync {
		panic("storage.blob.s3: Sync called twice for a blob object")
	}

	b.pw.Close()
	b.didSync = true
	return <-b.errCh
}

func (b *s3blob) Write(p []byte) (n int, err error) {
	return b.pw.Write(p)
}

func (b *s3blob) Close() error {
	if !b.didSync {
		if err := b.pw.CloseWithError(errors.New("storage.blob.s3: blob closed without Sync")); err != nil {
			panic(err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (blob.Blob, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		partSize := uint64(0)
		if blobSize == blob.UnknownBlobSize {
			// Without this, minio-go will allocate 500 MiB buffer which
			// is a little too much.
			// https://github.com/minio/minio-go/issues/1478
			partSize = 1 * 1024 * 1024 /* 1 MiB */
		}
		_, err := s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+key, pr, blobSize, minio.PutObjectOptions{
			PartSize: partSize,
		})
		if err != nil {
			if err := pr.CloseWithError(fmt.Errorf("s3 PutObject: %w", err)); err != nil {
				panic(err)
			}
		}
		errCh <- err
	}()

	return &s3blob{
		pw:    pw,
		errCh: errCh,
	}, nil
}

// Open checks the object exists before returning it since GetObject
// defers the request until the first read.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.mapErr(err)
	}
	return obj, nil
}

func (s *Store) mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return blob.ErrNoSuchBlob
	}
	return err
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	var lastErr error
	for _, k := range keys {
		err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+k, minio.RemoveObjectOptions{})
		if err != nil {
			lastErr = err
			s.log.Error("failed to delete object", err, s.objectPrefix+k)
		}
	}
	return lastErr
}

var _ blob.Store = &Store{}
