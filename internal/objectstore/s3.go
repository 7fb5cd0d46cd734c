// Package objectstore uploads resume files to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

var ErrNotConfigured = errors.New("AWS_REGION and S3_BUCKET are required for S3 uploads")

// Object is a single upload.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Uploader stores objects and returns their ETag.
type Uploader interface {
	Put(ctx context.Context, obj Object) (string, error)
}

type putAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client putAPI
	bucket string
	kmsKey string
	log    *logrus.Entry
}

// NewS3Store loads the default AWS credential chain for region.
func NewS3Store(ctx context.Context, region, bucket, kmsKey string, log *logrus.Entry) (*S3Store, error) {
	if region == "" || bucket == "" {
		return nil, ErrNotConfigured
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket, kmsKey: kmsKey, log: log}, nil
}

func (s *S3Store) Put(ctx context.Context, obj Object) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(obj.Key),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(obj.ContentType),
		Metadata:    obj.Metadata,
	}
	// Buckets with a KMS policy reject unencrypted puts.
	if s.kmsKey != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.kmsKey)
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, obj.Key, err)
	}
	s.log.WithFields(logrus.Fields{"key": obj.Key, "bytes": len(obj.Body)}).Debug("uploaded object")
	return aws.ToString(out.ETag), nil
}

var (
	unsafeSegment  = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)
	unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)
)

// ResumeKey builds resumes/{jobCode}/{applicant}/{filename}.
func ResumeKey(jobCode, applicantExternalID, filename string) string {
	if jobCode == "" {
		jobCode = "unknown"
	}
	if applicantExternalID == "" {
		applicantExternalID = "unknown"
	}
	if filename == "" {
		filename = "resume.pdf"
	}
	return fmt.Sprintf("resumes/%s/%s/%s",
		unsafeSegment.ReplaceAllString(jobCode, "_"),
		applicantExternalID,
		unsafeFilename.ReplaceAllString(filename, "_"))
}

// ResumeFilename derives "{safe name}.{ext}" with the extension taken from
// the resume URL path, defaulting to pdf.
func ResumeFilename(applicantName, resumeURL string) string {
	base := strings.Join(strings.Fields(applicantName), "_")
	if base == "" {
		base = "resume"
	}
	ext := "pdf"
	if u, err := url.Parse(resumeURL); err == nil {
		if e := strings.TrimPrefix(path.Ext(u.Path), "."); e != "" && len(e) <= 5 {
			ext = strings.ToLower(e)
		}
	}
	return base + "." + ext
}

// MimeType maps a filename to the content type stored with the object.
func MimeType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	default:
		return "application/octet-stream"
	}
}
