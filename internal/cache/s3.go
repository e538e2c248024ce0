package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

const (
	storedAtMetaKey   = "stored_at"
	statusMetaKey     = "status"
	requestKeyMetaKey = "request_key"
	headerMetaKey     = "header"
	codecMetaKey      = "codec"

	codecZstd = "zstd"

	// partitionMarker keeps an opened partition listable before it has entries.
	partitionMarker = ".partition"

	deleteBatchSize = 1000
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// S3Store keeps each partition under its own prefix in a bucket. Bodies are
// zstd-compressed; status, headers and the request key travel as object
// metadata.
type S3Store struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

var _ Store = (*S3Store)(nil)

func NewS3Store(bucket string, client *s3.Client) *S3Store {
	return &S3Store{
		bucket:   bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// ObjectKey is the bucket key an entry of partition is stored under.
func ObjectKey(partition, key string) string {
	return partition + "/" + digest.FromString(key).Encoded()
}

func (s *S3Store) Open(ctx context.Context, partition string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(partition + "/" + partitionMarker),
		Body:   bytes.NewReader(nil),
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, partition, key string) (Entry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ObjectKey(partition, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, err
	}

	entry, err := decodeMetadata(out.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("decode metadata for %s: %w", key, err)
	}
	if out.Metadata[codecMetaKey] == codecZstd {
		raw, err = zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("decompress %s: %w", key, err)
		}
	}
	entry.Body = raw
	if entry.Key == "" {
		entry.Key = key
	}
	return entry, nil
}

func (s *S3Store) Put(ctx context.Context, partition string, entry Entry) error {
	meta, err := encodeMetadata(entry)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(ObjectKey(partition, entry.Key)),
		Body:        bytes.NewReader(zstdEncoder.EncodeAll(entry.Body, nil)),
		ContentType: aws.String(entry.Header.Get("Content-Type")),
		Metadata:    meta,
	}

	_, err = s.uploader.Upload(ctx, input)
	return err
}

func (s *S3Store) Delete(ctx context.Context, partition, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ObjectKey(partition, key)),
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// Keys heads every object of the partition to recover its request key.
func (s *S3Store) Keys(ctx context.Context, partition string) ([]string, error) {
	objects, err := s.listObjects(ctx, partition+"/")
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, ErrPartitionNotFound
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj, "/"+partitionMarker) {
			continue
		}
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(obj),
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		entry, err := decodeMetadata(out.Metadata)
		if err != nil || entry.Key == "" {
			continue
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

func (s *S3Store) Partitions(ctx context.Context) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range out.CommonPrefixes {
			names = append(names, strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
		}
	}
	return names, nil
}

func (s *S3Store) DeletePartition(ctx context.Context, partition string) error {
	objects, err := s.listObjects(ctx, partition+"/")
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return ErrPartitionNotFound
	}
	for start := 0; start < len(objects); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(objects))
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

func (s *S3Store) listObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// S3 caps user metadata at 2 KB.
const maxMetadataBytes = 2 << 10

var errMetadataTooLarge = errors.New("entry metadata exceeds the S3 limit")

// encodeMetadata keeps every stored header when it fits, and otherwise only
// the headers needed to serve the body.
func encodeMetadata(e Entry) (map[string]string, error) {
	meta, err := metadataWith(e, e.Header)
	if err != nil {
		return nil, err
	}
	if metadataSize(meta) <= maxMetadataBytes {
		return meta, nil
	}
	minimal := http.Header{}
	for _, k := range []string{"Content-Type", "Content-Encoding", "Date"} {
		if v := e.Header.Values(k); len(v) > 0 {
			minimal[k] = v
		}
	}
	meta, err = metadataWith(e, minimal)
	if err != nil {
		return nil, err
	}
	if metadataSize(meta) > maxMetadataBytes {
		return nil, fmt.Errorf("%w: %s", errMetadataTooLarge, e.URL)
	}
	return meta, nil
}

func metadataWith(e Entry, h http.Header) (map[string]string, error) {
	header, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{
		requestKeyMetaKey: base64.RawURLEncoding.EncodeToString([]byte(e.Key)),
		statusMetaKey:     strconv.Itoa(e.Status),
		headerMetaKey:     base64.StdEncoding.EncodeToString(header),
		codecMetaKey:      codecZstd,
	}
	if !e.StoredAt.IsZero() {
		meta[storedAtMetaKey] = strconv.FormatInt(e.StoredAt.Unix(), 10)
	}
	return meta, nil
}

func metadataSize(meta map[string]string) int {
	n := 0
	for k, v := range meta {
		n += len(k) + len(v)
	}
	return n
}

func decodeMetadata(meta map[string]string) (Entry, error) {
	var e Entry
	if meta == nil {
		return e, nil
	}
	if v, ok := meta[requestKeyMetaKey]; ok {
		key, err := base64.RawURLEncoding.DecodeString(v)
		if err != nil {
			return e, err
		}
		e.Key = string(key)
		if _, url, ok := strings.Cut(e.Key, " "); ok {
			e.URL = url
		}
	}
	if v, ok := meta[statusMetaKey]; ok {
		status, err := strconv.Atoi(v)
		if err != nil {
			return e, err
		}
		e.Status = status
	}
	if v, ok := meta[headerMetaKey]; ok {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return e, err
		}
		var header http.Header
		if err := json.Unmarshal(raw, &header); err != nil {
			return e, err
		}
		e.Header = header
	}
	if v, ok := meta[storedAtMetaKey]; ok {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.StoredAt = time.Unix(unix, 0).UTC()
		}
	}
	return e, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
