package snapshot

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mwantia/findex/data"
	"github.com/mwantia/findex/store"
)

// Snapshotter dumps and restores the full entry set of an index store
// to S3-compatible object storage.
type Snapshotter struct {
	client     *minio.Client
	bucketName string
}

func NewSnapshotter(endpoint, bucketName, accessKey, secretKey string, useSsl bool) (*Snapshotter, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSsl,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return &Snapshotter{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Save serializes every live entry of the store and uploads the snapshot
// under the given object key.
func (s *Snapshotter) Save(ctx context.Context, st store.Store, key string) error {
	entries, err := st.All(ctx)
	if err != nil {
		return err
	}

	encoded, err := Encode(entries)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucketName, key,
		bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{
			ContentType: "application/x-ndjson",
		})
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

// Restore downloads the snapshot at the given object key and replays it
// into the store, parents before children. The target store should be
// empty; colliding paths fail the restore.
func (s *Snapshotter) Restore(ctx context.Context, st store.Store, key string) error {
	object, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer object.Close()

	entries, err := Decode(object)
	if err != nil {
		return err
	}

	return st.CreateAll(ctx, entries)
}

// Exists reports whether a snapshot object is present under the given key.
func (s *Snapshotter) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}

		return false, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return true, nil
}
