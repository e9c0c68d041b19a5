// Package proofstore keeps the original payment proof uploads in S3.
//
// Objects are content-addressed under the order:
// {prefix}/{orderID}/{sha256}.{ext}. Re-uploading the same bytes for the same
// order lands on the same key.
package proofstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/topupstore/internal/cryptoutil"
	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// s3API is the subset of the S3 client the store needs
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Options struct {
	Bucket string
	Prefix string
	Logger log.Logger
}

type Store struct {
	client s3API
	bucket string
	prefix string
	logger log.Logger
}

type Object struct {
	Key         string
	URL         string
	SHA256      string
	ContentType string
	Size        int64
}

func New(client *s3.Client, opts Options) (*Store, error) {
	return newStore(client, opts)
}

func newStore(client s3API, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("proof bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Store{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: opts.Logger,
	}, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}

func (s *Store) key(orderID, sum, ext string) string {
	name := fmt.Sprintf("%s/%s.%s", orderID, sum, ext)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put stores data for orderID. The content type is sniffed from the bytes,
// the client-supplied header is not trusted.
func (s *Store) Put(ctx context.Context, orderID string, data []byte) (Object, error) {
	if orderID == "" || strings.ContainsAny(orderID, "/\\") {
		return Object{}, xerrors.Newf("invalid order id %q", orderID)
	}

	digest := cryptoutil.Sum(data)
	ct := http.DetectContentType(data)
	key := s.key(orderID, digest.Hex(), extFor(ct))

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ContentType:       aws.String(ct),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(digest.Base64()),
		Metadata:          map[string]string{"order-id": orderID},
	})
	if err != nil {
		return Object{}, xerrors.Wrapf(err, "put proof s3://%s/%s", s.bucket, key)
	}
	if got := aws.ToString(out.ChecksumSHA256); got != "" && !digest.MatchesBase64(got) {
		return Object{}, xerrors.Newf("checksum mismatch for s3://%s/%s: sent %s, stored %s", s.bucket, key, digest.Base64(), got)
	}

	s.logger.Info(ctx, "stored payment proof",
		"order_id", orderID,
		"key", key,
		"bytes", len(data),
		"content_type", ct,
	)
	return Object{
		Key:         key,
		URL:         fmt.Sprintf("s3://%s/%s", s.bucket, key),
		SHA256:      digest.Hex(),
		ContentType: ct,
		Size:        int64(len(data)),
	}, nil
}

// Delete removes a stored proof by key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.prefix != "" && !strings.HasPrefix(key, s.prefix+"/") {
		return xerrors.Newf("key %q is outside prefix %q", key, s.prefix)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return xerrors.Wrapf(err, "delete proof s3://%s/%s", s.bucket, key)
	}
	s.logger.Info(ctx, "deleted payment proof", "key", key)
	return nil
}
