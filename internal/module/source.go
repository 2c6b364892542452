package module

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultLocation is the published MindAR image-tracking module.
const DefaultLocation = "https://cdn.jsdelivr.net/npm/mind-ar@latest/dist/mindar-image.wasm"

// maxModuleSize bounds a fetched module body.
const maxModuleSize = 64 << 20

// Source fetches the raw bytes of a compute module.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// ParseSource picks a Source for location by its scheme: http(s)://, s3://
// or a local path.
func ParseSource(location string) (Source, error) {
	switch {
	case location == "":
		return nil, fmt.Errorf("empty module location")
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &HTTPSource{URL: location}, nil
	case strings.HasPrefix(location, "s3://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse s3 location: %w", err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("s3 location %q needs bucket and key", location)
		}
		return &S3Source{Bucket: u.Host, Key: key}, nil
	default:
		return &FileSource{Path: strings.TrimPrefix(location, "file://")}, nil
	}
}

// HTTPSource downloads a module over HTTP(S).
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", s.URL, resp.Status)
	}

	return readLimited(resp.Body)
}

func (s *HTTPSource) String() string { return s.URL }

// FileSource reads a module from disk.
type FileSource struct {
	Path string
}

func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f)
}

func (s *FileSource) String() string { return s.Path }

// S3Source downloads a module object from S3 using the default AWS
// credential chain.
type S3Source struct {
	Bucket string
	Key    string
	Region string

	// Client overrides the client built from the default config.
	Client S3GetObjectAPI
}

// S3GetObjectAPI is the subset of the S3 client used by S3Source.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if s.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client = s3.NewFromConfig(cfg)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s, err)
	}
	defer out.Body.Close()

	return readLimited(out.Body)
}

func (s *S3Source) String() string { return "s3://" + s.Bucket + "/" + s.Key }

// BytesSource serves a module held in memory.
type BytesSource struct {
	Name string
	Data []byte
}

func (s *BytesSource) Fetch(ctx context.Context) ([]byte, error) {
	return s.Data, nil
}

func (s *BytesSource) String() string {
	if s.Name == "" {
		return "memory"
	}
	return s.Name
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxModuleSize+1))
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	if len(data) > maxModuleSize {
		return nil, fmt.Errorf("module exceeds %d bytes", maxModuleSize)
	}
	return data, nil
}
