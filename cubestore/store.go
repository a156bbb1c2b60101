package cubestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/openeo-udf/datacube"
)

// maxObjectBytes caps the size of a single cube file
const maxObjectBytes = 256 << 20

// maxParallelLoads bounds the concurrent loads of LoadAll
const maxParallelLoads = 8

var (
	// ErrUnsupportedFormat is returned for references without a known extension.
	ErrUnsupportedFormat = errors.New("unsupported cube format")
	// ErrAccessDenied is returned for local files outside the allowed directory.
	ErrAccessDenied = errors.New("cube reference not allowed")
	// ErrNoS3 is returned for s3:// references when no client is configured.
	ErrNoS3 = errors.New("s3 is not configured")
)

// Store loads cubes by reference
type Store struct {
	logger    *zap.Logger
	s3        ObjectGetter
	baseDir   string
	anyFile   bool
	maxObject int64
}

// Option configures a Store
type Option func(*Store)

// WithS3 enables s3:// references
func WithS3(client ObjectGetter) Option {
	return func(s *Store) {
		s.s3 = client
	}
}

// WithBaseDir allows local files below dir
func WithBaseDir(dir string) Option {
	return func(s *Store) {
		s.baseDir = dir
	}
}

// WithAnyFile allows every local file
func WithAnyFile() Option {
	return func(s *Store) {
		s.anyFile = true
	}
}

// New creates a Store. Without options only inline cubes can be used.
func New(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{logger: logger, maxObject: maxObjectBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and decodes a single cube
func (s *Store) Load(ctx context.Context, ref string) (*datacube.DataCube, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(ref, "s3://") {
		data, err = s.readS3(ctx, ref)
	} else {
		data, err = s.readFile(ref)
	}
	if err != nil {
		return nil, err
	}

	cube, err := Decode(ref, data)
	if err != nil {
		return nil, fmt.Errorf("cube %s: %w", ref, err)
	}
	s.logger.Debug("cube loaded", zap.String("ref", ref), zap.Stringer("cube", cube))
	return cube, nil
}

// LoadAll loads refs concurrently and returns the cubes in the same order
func (s *Store) LoadAll(ctx context.Context, refs []string) ([]*datacube.DataCube, error) {
	cubes := make([]*datacube.DataCube, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLoads)
	for i, ref := range refs {
		g.Go(func() error {
			c, err := s.Load(ctx, ref)
			if err != nil {
				return err
			}
			cubes[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cubes, nil
}

// Decode parses a cube in the format given by the extension of ref
func Decode(ref string, data []byte) (*datacube.DataCube, error) {
	switch strings.ToLower(filepath.Ext(refPath(ref))) {
	case ".json":
		return datacube.Unmarshal(data)
	case ".yaml", ".yml":
		return datacube.UnmarshalYAMLBytes(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ref)
	}
}

func refPath(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme == "s3" {
		return u.Path
	}
	return ref
}

func (s *Store) readFile(ref string) ([]byte, error) {
	path, err := s.localPath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cube file: %w", err)
	}
	defer f.Close()
	return s.readLimited(f, ref)
}

func (s *Store) localPath(ref string) (string, error) {
	if s.anyFile {
		return ref, nil
	}
	if s.baseDir == "" || filepath.IsAbs(ref) {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, ref)
	}
	clean := filepath.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, ref)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *Store) readS3(ctx context.Context, ref string) ([]byte, error) {
	if s.s3 == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoS3, ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 reference %q: %w", ref, err)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 reference %q: want s3://bucket/key", ref)
	}

	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", ref, err)
	}
	defer out.Body.Close()
	return s.readLimited(out.Body, ref)
}

func (s *Store) readLimited(r io.Reader, ref string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxObject+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if int64(len(data)) > s.maxObject {
		return nil, fmt.Errorf("cube %s exceeds %d bytes", ref, s.maxObject)
	}
	return data, nil
}
