package snapshot

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// Bucket is the object storage surface used by the worker.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// MinioBucket adapts a minio client and bucket name to Bucket.
type MinioBucket struct {
	client *minio.Client
	bucket string
}

// NewMinioBucket returns nil when client is nil so callers can leave object
// storage unconfigured.
func NewMinioBucket(client *minio.Client, bucket string) Bucket {
	if client == nil {
		return nil
	}
	return &MinioBucket{client: client, bucket: bucket}
}

func (b *MinioBucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "zstd",
	})
	return err
}

func (b *MinioBucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (b *MinioBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}
