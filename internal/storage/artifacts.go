package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gif-forge/internal/model"
)

var ErrInvalidArtifactID = errors.New("invalid artifact id")

// ObjectPutter is the subset of the S3 client used to mirror artifacts.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArtifactStore lays out generated files on local disk. File names are
// always the artifact ID; the refiner title never becomes a path component.
type ArtifactStore struct {
	uploadDir string
	videoDir  string
	gifDir    string

	remote ObjectPutter
	bucket string
	prefix string
}

func NewArtifactStore(uploadDir, videoDir, gifDir string) *ArtifactStore {
	return &ArtifactStore{uploadDir: uploadDir, videoDir: videoDir, gifDir: gifDir}
}

// WithMirror enables uploading finished artifacts to bucket under prefix.
func (s *ArtifactStore) WithMirror(client ObjectPutter, bucket, prefix string) *ArtifactStore {
	s.remote = client
	s.bucket = bucket
	s.prefix = strings.Trim(prefix, "/")
	return s
}

func (s *ArtifactStore) EnsureDirs() error {
	for _, dir := range []string{s.uploadDir, s.videoDir, s.gifDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *ArtifactStore) NewArtifact(title string) model.Artifact {
	id := uuid.NewString()
	return model.Artifact{
		ID:        id,
		Title:     title,
		VideoPath: filepath.Join(s.videoDir, id+".mp4"),
		GIFPath:   filepath.Join(s.gifDir, id+".gif"),
	}
}

// SaveSeed writes the normalized seed image next to the other uploads.
func (s *ArtifactStore) SaveSeed(id string, img image.Image) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrInvalidArtifactID
	}
	p := filepath.Join(s.uploadDir, id+".png")
	if err := imaging.Save(img, p); err != nil {
		return "", err
	}
	return p, nil
}

func (s *ArtifactStore) GIFPath(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrInvalidArtifactID
	}
	return filepath.Join(s.gifDir, id+".gif"), nil
}

func (s *ArtifactStore) ReadGIF(id string) ([]byte, error) {
	p, err := s.GIFPath(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (s *ArtifactStore) MirrorEnabled() bool {
	return s.remote != nil && s.bucket != ""
}

// Mirror uploads the GIF and MP4 of a finished artifact and records the GIF
// object key on it.
func (s *ArtifactStore) Mirror(ctx context.Context, a *model.Artifact) error {
	if !s.MirrorEnabled() {
		return nil
	}
	uploads := []struct {
		local       string
		contentType string
	}{
		{a.GIFPath, model.GIFMimeType},
		{a.VideoPath, "video/mp4"},
	}
	for _, u := range uploads {
		b, err := os.ReadFile(u.local)
		if err != nil {
			return err
		}
		key := path.Join(s.prefix, filepath.Base(u.local))
		_, err = s.remote.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(b),
			ContentType: aws.String(u.contentType),
			Metadata:    map[string]string{"title": SafeTitle(a.Title)},
		})
		if err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
		}
		if u.contentType == model.GIFMimeType {
			a.RemoteKey = key
		}
		log.Debug().Str("bucket", s.bucket).Str("key", key).Int("size_bytes", len(b)).Msg("Artifact mirrored")
	}
	return nil
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// SafeTitle reduces a model-supplied title to a short file-name-safe string
// for download headers and object metadata.
func SafeTitle(title string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastDash = false
		case r == '-' || r == '_' || unicode.IsSpace(r):
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 64 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "animation"
	}
	return out
}
