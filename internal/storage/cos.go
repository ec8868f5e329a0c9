package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/vm-profiler/pkg/config"
)

// COSConfig describes a Tencent Cloud COS bucket.
type COSConfig struct {
	Bucket    string
	Region    string
	SecretID  string
	SecretKey string
	Domain    string // myqcloud.com when empty
	Scheme    string // https when empty
	// BucketURL overrides the URL derived from bucket, region and domain.
	BucketURL string
}

func cosConfig(cfg *config.StorageConfig) *COSConfig {
	return &COSConfig{
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		SecretID:  cfg.SecretID,
		SecretKey: cfg.SecretKey,
		Domain:    cfg.Domain,
		Scheme:    cfg.Scheme,
	}
}

func (c *COSConfig) validate() error {
	var missing []string
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.SecretID == "" || c.SecretKey == "" {
		missing = append(missing, "credentials")
	}
	if len(missing) > 0 {
		return fmt.Errorf("COS storage: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *COSConfig) bucketURL() (*url.URL, error) {
	if c.BucketURL != "" {
		return url.Parse(c.BucketURL)
	}
	scheme, domain := c.Scheme, c.Domain
	if scheme == "" {
		scheme = "https"
	}
	if domain == "" {
		domain = "myqcloud.com"
	}
	return &url.URL{Scheme: scheme, Host: c.Bucket + ".cos." + c.Region + "." + domain}, nil
}

// COSStorage stores blobs as objects of a COS bucket.
type COSStorage struct {
	client *cos.Client
	base   string
}

// NewCOSStorage creates a client for the bucket of cfg.
func NewCOSStorage(cfg *COSConfig) (*COSStorage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	u, err := cfg.bucketURL()
	if err != nil {
		return nil, fmt.Errorf("invalid COS bucket URL: %w", err)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &COSStorage{client: client, base: strings.TrimSuffix(u.String(), "/")}, nil
}

func (s *COSStorage) Put(ctx context.Context, key string, reader io.Reader) error {
	_, err := s.client.Object.Put(ctx, key, reader, nil)
	return s.wrap("put", key, err)
}

// Get returns the object body; the caller closes it.
func (s *COSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.Object.Get(ctx, key, nil)
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	return resp.Body, nil
}

func (s *COSStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.Object.Delete(ctx, key, nil)
	return s.wrap("delete", key, err)
}

func (s *COSStorage) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.Object.IsExist(ctx, key)
	return ok, s.wrap("stat", key, err)
}

func (s *COSStorage) URL(key string) string {
	return s.base + "/" + key
}

func (s *COSStorage) wrap(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case cos.IsNotFoundError(err):
		return fmt.Errorf("COS %s %s: %w", op, key, errors.Join(ErrNotExist, err))
	default:
		return fmt.Errorf("COS %s %s: %w", op, key, err)
	}
}
