package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/securevault/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second

	envelopeContentType = "application/octet-stream"
)

// S3Store implements the Store interface using MinIO as the backend.
// Each namespace is a single object:
//
//	bucketName/
//	└── [keyPrefix/]
//	    ├── secure.db
//	    └── tokens.db
//
// Object ETags serve as envelope versions and conditional puts guard against
// lost updates.
type S3Store struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	// bucketName is the name of the bucket holding the envelopes.
	bucketName string

	// keyPrefix is an optional prefix so several applications can share a bucket.
	keyPrefix string

	namespace string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix" yaml:"key_prefix"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" yaml:"region"`
}

// NewS3Store connects to the S3 endpoint and makes sure the bucket exists.
//
// Errors:
//   - Returns an error if the namespace is invalid, if the MinIO client fails to
//     initialize, or if the bucket cannot be created.
func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	// round-trip the loosely typed map through JSON into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, namespace)
}

func (s3s *S3Store) Namespace() string {
	return s3s.namespace
}

func (s3s *S3Store) ListNamespaces() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildPath("")
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	})

	namespaces := []string{}
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}

		name := strings.TrimPrefix(object.Key, prefix)
		if strings.HasSuffix(name, "/") || !strings.HasSuffix(name, misc.EnvelopeFileExt) {
			continue
		}
		namespaces = append(namespaces, strings.TrimSuffix(name, misc.EnvelopeFileExt))
	}

	sort.Strings(namespaces)
	return namespaces, nil
}

func (s3s *S3Store) SaveEnvelope(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("envelope cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.envelopeObjectName()
	putOptions := minio.PutObjectOptions{
		ContentType: envelopeContentType,
		UserMetadata: map[string]string{
			"namespace":  s3s.namespace,
			"updated-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	switch expectedVersion {
	case "":
	case VersionAbsent:
		// if-none-match: * makes the first write exclusive
		putOptions.SetMatchETagExcept("*")
	default:
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", versionConflict(expectedVersion, currentVersion)
		}

		// if-match closes the window between the check above and the put
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			actual, _ := s3s.getObjectVersion(ctx, objectName)
			return "", versionConflict(expectedVersion, actual)
		}
		return "", fmt.Errorf("failed to save envelope: %w", err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) LoadEnvelope() (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.envelopeObjectName(), minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}
	defer object.Close()

	// GetObject is lazy, Stat issues the request and surfaces NoSuchKey
	objectInfo, err := object.Stat()
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get envelope info: %w", err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: objectInfo.LastModified,
	}, nil
}

func (s3s *S3Store) EnvelopeExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	version, err := s3s.getObjectVersion(ctx, s3s.envelopeObjectName())
	if err != nil {
		return false, fmt.Errorf("failed to stat envelope: %w", err)
	}
	return version != "", nil
}

// Health and utilities
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods
func (s3s *S3Store) buildPath(name string) string {
	if s3s.keyPrefix == "" {
		return name
	}
	return s3s.keyPrefix + "/" + name
}

func (s3s *S3Store) envelopeObjectName() string {
	return s3s.buildPath(s3s.namespace + misc.EnvelopeFileExt)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			// another process may have created it in the meantime
			if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
				return nil
			}
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
