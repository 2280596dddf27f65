package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	updatedAtMetaKey = "updated_at"
	statusMetaKey    = "status"

	envelopeContentType = "application/x-gob"

	// DeleteObjects accepts at most this many keys per call.
	deleteBatchSize = 1000
)

// envelope is the object body: the whole captured response together with
// the request key it answers. Headers and long URLs stay out of user
// metadata, which S3 caps at 2 KB.
type envelope struct {
	Key         string
	Status      int
	Header      http.Header
	Body        []byte
	UpdatedAt   time.Time
	Credentials string
}

// S3Store keeps each partition under its own key prefix in one bucket.
type S3Store struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
	batch    int
}

func NewS3Store(bucket string, client *s3.Client) *S3Store {
	return &S3Store{
		bucket:   bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		batch:    deleteBatchSize,
	}
}

func (s *S3Store) Get(ctx context.Context, partition, key string) (Object, error) {
	if err := validate(partition, key); err != nil {
		return Object{}, err
	}
	env, err := s.read(ctx, objectKey(partition, key))
	if err != nil {
		return Object{}, err
	}
	if env.Key != key {
		return Object{}, ErrNotFound
	}
	return Object{
		Status:      env.Status,
		Header:      env.Header,
		Body:        env.Body,
		UpdatedAt:   env.UpdatedAt,
		Credentials: env.Credentials,
	}, nil
}

func (s *S3Store) read(ctx context.Context, objKey string) (envelope, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return envelope{}, ErrNotFound
		}
		return envelope{}, err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return envelope{}, err
	}
	return decodeEnvelope(raw)
}

func (s *S3Store) Put(ctx context.Context, partition, key string, obj Object) error {
	if err := validate(partition, key); err != nil {
		return err
	}
	obj = obj.stored()
	raw, err := encodeEnvelope(key, obj)
	if err != nil {
		return err
	}

	meta := map[string]string{statusMetaKey: strconv.Itoa(obj.Status)}
	if !obj.UpdatedAt.IsZero() {
		meta[updatedAtMetaKey] = strconv.FormatInt(obj.UpdatedAt.Unix(), 10)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(partition, key)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(envelopeContentType),
		Metadata:    meta,
	})
	return err
}

func (s *S3Store) Delete(ctx context.Context, partition, key string) error {
	if err := validate(partition, key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(partition, key)),
	})
	return err
}

// Keys returns the request keys stored in partition. The original keys live
// in the object envelopes, so this reads every object.
func (s *S3Store) Keys(ctx context.Context, partition string) ([]string, error) {
	objects, err := s.listObjects(ctx, partition)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, k := range objects {
		env, err := s.read(ctx, k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, env.Key)
	}
	return keys, nil
}

func (s *S3Store) Partitions(ctx context.Context) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (s *S3Store) DeletePartition(ctx context.Context, partition string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrEmptyPartition
	}
	objects, err := s.listObjects(ctx, partition)
	if err != nil {
		return err
	}
	for start := 0; start < len(objects); start += s.batch {
		end := min(start+s.batch, len(objects))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) listObjects(ctx context.Context, partition string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(partition + "/"),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// objectKey hashes the request key so arbitrary URLs map onto flat S3 keys.
func objectKey(partition, key string) string {
	sum := sha256.Sum256([]byte(key))
	return partition + "/" + hex.EncodeToString(sum[:])
}

func encodeEnvelope(key string, obj Object) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(envelope{
		Key:         key,
		Status:      obj.Status,
		Header:      obj.Header,
		Body:        obj.Body,
		UpdatedAt:   obj.UpdatedAt,
		Credentials: obj.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decode cache envelope: %w", err)
	}
	if env.Status == 0 {
		env.Status = http.StatusOK
	}
	if env.Header == nil {
		env.Header = http.Header{}
	}
	return env, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
