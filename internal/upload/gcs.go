package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// GCSStore uploads objects into a Google Cloud Storage bucket.
type GCSStore struct {
	bucket          string
	credentialsFile string
	opts            []option.ClientOption

	mx      sync.Mutex
	service *storage.Service
}

// NewGCSStore returns a store for bucket. With an empty credentialsFile the
// application default credentials are used. Extra opts are passed to the
// storage client, tests use them to point to a fake endpoint.
func NewGCSStore(bucket, credentialsFile string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	return &GCSStore{bucket: bucket, credentialsFile: credentialsFile, opts: opts}, nil
}

func (s *GCSStore) clientOptions(ctx context.Context) ([]option.ClientOption, error) {
	if len(s.opts) > 0 {
		return s.opts, nil
	}
	var client *http.Client
	if s.credentialsFile != "" {
		data, err := os.ReadFile(s.credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading credentials: %w", err)
		}
		conf, err := google.JWTConfigFromJSON(data, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials: %w", err)
		}
		client = conf.Client(ctx)
	} else {
		var err error
		client, err = google.DefaultClient(ctx, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
	}
	return []option.ClientOption{option.WithHTTPClient(client)}, nil
}

// Login creates the storage client and checks the bucket is reachable.
func (s *GCSStore) Login(ctx context.Context) error {
	opts, err := s.clientOptions(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	service, err := storage.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating storage service: %w", err)
	}
	bucket, err := service.Buckets.Get(s.bucket).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("getting bucket %s: %w", s.bucket, err)
	}
	slog.DebugContext(ctx, "bucket reachable", "bucket", bucket.Name, "location", bucket.Location)

	s.mx.Lock()
	s.service = service
	s.mx.Unlock()
	return nil
}

func (s *GCSStore) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	s.mx.Lock()
	service := s.service
	s.mx.Unlock()
	if service == nil {
		return ErrNotAuthenticated
	}

	obj := &storage.Object{Name: key, ContentType: contentType}
	got, err := service.Objects.Insert(s.bucket, obj).
		Media(r, googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
			return fmt.Errorf("%w: uploading %s: %w", ErrAuthFailed, key, err)
		}
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	slog.DebugContext(ctx, "object uploaded", "bucket", got.Bucket, "key", got.Name, "size", got.Size)
	return nil
}
