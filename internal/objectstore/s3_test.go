package objectstore

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

type fakePut struct {
	in   *s3.PutObjectInput
	body []byte
}

func (f *fakePut) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{ETag: aws.String(`"abc"`)}, nil
}

func TestResumeKey(t *testing.T) {
	cases := []struct {
		job, applicant, file, want string
	}{
		{"JPC 973", "42", "Ada Lovelace.pdf", "resumes/JPC_973/42/Ada_Lovelace.pdf"},
		{"", "", "", "resumes/unknown/unknown/resume.pdf"},
		{"JPC-1", "7", "cv(1).docx", "resumes/JPC-1/7/cv_1_.docx"},
	}
	for _, c := range cases {
		if got := ResumeKey(c.job, c.applicant, c.file); got != c.want {
			t.Errorf("ResumeKey(%q,%q,%q) = %q, want %q", c.job, c.applicant, c.file, got, c.want)
		}
	}
}

func TestResumeFilenameAndMime(t *testing.T) {
	if got := ResumeFilename("Ada  Lovelace", "https://x/files/cv.DOCX?sig=1"); got != "Ada_Lovelace.docx" {
		t.Errorf("filename = %q", got)
	}
	if got := ResumeFilename("Bob", "https://x/download?id=9"); got != "Bob.pdf" {
		t.Errorf("filename default = %q", got)
	}
	if MimeType("a.pdf") != "application/pdf" || MimeType("a.bin") != "application/octet-stream" {
		t.Error("unexpected mime mapping")
	}
}

func TestPutAppliesKMS(t *testing.T) {
	fake := &fakePut{}
	s := &S3Store{client: fake, bucket: "b", kmsKey: "kms-1", log: logrus.NewEntry(logrus.New())}
	etag, err := s.Put(context.Background(), Object{Key: "k", Body: []byte("pdf"), ContentType: "application/pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if etag != `"abc"` || string(fake.body) != "pdf" {
		t.Errorf("etag=%q body=%q", etag, fake.body)
	}
	if fake.in.ServerSideEncryption != types.ServerSideEncryptionAwsKms || aws.ToString(fake.in.SSEKMSKeyId) != "kms-1" {
		t.Errorf("kms not applied: %+v", fake.in)
	}
}
