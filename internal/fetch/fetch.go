// Package fetch materializes ingestion inputs (local paths, http(s) URLs
// and s3:// objects) as local files and fingerprints them.
package fetch

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// ObjectGetter is the part of the S3 client used to download inputs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Input is a source materialized on local disk.
type Input struct {
	// Origin is the location the caller asked for.
	Origin string
	// Path is the local file holding the bytes.
	Path string
	// Fingerprint is the blake3 digest of the file, hex encoded.
	Fingerprint string

	temp bool
}

// Remote reports whether the input was downloaded.
func (in *Input) Remote() bool { return in.temp }

// Close removes a downloaded temp file. Local inputs are left alone.
func (in *Input) Close() error {
	if !in.temp {
		return nil
	}
	return os.Remove(in.Path)
}

// Fetcher downloads remote inputs into TempDir.
type Fetcher struct {
	HTTP    *retryablehttp.Client
	S3      ObjectGetter
	TempDir string
	Log     *logrus.Entry

	s3Once sync.Once
	s3Err  error
}

// New returns a Fetcher with a retrying HTTP client. The S3 client is
// created from the default AWS configuration on first use.
func New(log *logrus.Entry) *Fetcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{log.WithField("component", "fetch")}
	return &Fetcher{HTTP: client, Log: log}
}

// Fetch resolves src to a local file. Supported forms are a filesystem
// path, http:// or https:// URLs, and s3://bucket/key.
func (f *Fetcher) Fetch(ctx context.Context, src string) (*Input, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("empty source")
	}

	u, err := url.Parse(src)
	if err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return f.fetchHTTP(ctx, src, u)
		case "s3":
			return f.fetchS3(ctx, src)
		}
	}
	return local(src)
}

func local(src string) (*Input, error) {
	st, err := os.Stat(src)
	if err != nil {
		return nil, errors.Wrap(err, "source")
	}
	if st.IsDir() {
		return nil, errors.Errorf("source %s is a directory", src)
	}
	fp, err := Fingerprint(src)
	if err != nil {
		return nil, err
	}
	return &Input{Origin: src, Path: src, Fingerprint: fp}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src string, u *url.URL) (*Input, error) {
	client := f.HTTP
	if client == nil {
		client = retryablehttp.NewClient()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", src)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download %s: HTTP %d", src, resp.StatusCode)
	}
	return f.save(src, path.Ext(u.Path), resp.Body)
}

func (f *Fetcher) fetchS3(ctx context.Context, src string) (*Input, error) {
	bucket, key, err := ParseS3URL(src)
	if err != nil {
		return nil, err
	}
	f.s3Once.Do(func() {
		if f.S3 == nil {
			f.S3, f.s3Err = NewS3Client(ctx)
		}
	})
	if f.s3Err != nil {
		return nil, f.s3Err
	}

	resp, err := f.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s", src)
	}
	defer resp.Body.Close()
	return f.save(src, path.Ext(key), resp.Body)
}

// save copies body into a temp file that keeps the source extension, so
// the reader can still be chosen by extension.
func (f *Fetcher) save(src, ext string, body io.Reader) (*Input, error) {
	tmp, err := os.CreateTemp(f.TempDir, "bactdb-*"+strings.ToLower(ext))
	if err != nil {
		return nil, errors.Wrap(err, "create temp file")
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, errors.Wrapf(err, "download %s", src)
	}

	if f.Log != nil {
		f.Log.WithFields(logrus.Fields{"source": src, "bytes": n, "path": tmp.Name()}).Debug("downloaded input")
	}
	return &Input{
		Origin:      src,
		Path:        tmp.Name(),
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
		temp:        true,
	}, nil
}

// Fingerprint returns the hex blake3 digest of the file at path.
func Fingerprint(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "fingerprint")
	}
	defer fh.Close()

	h := blake3.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", errors.Wrapf(err, "fingerprint %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(src string) (bucket, key string, err error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme != "s3" {
		return "", "", errors.Errorf("not an s3 url: %q", src)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.Errorf("s3 url needs bucket and key: %q", src)
	}
	return bucket, key, nil
}

// NewS3Client builds an S3 client from the default AWS configuration
// (environment, shared config, instance role). Path-style addressing keeps
// S3-compatible stores such as MinIO working.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config")
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// IsRemote reports whether src names a URL rather than a local path.
func IsRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "s3":
		return true
	}
	return false
}

// Base returns the file name part of src, for display.
func Base(src string) string {
	if IsRemote(src) {
		if u, err := url.Parse(src); err == nil {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(src)
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct {
	e *logrus.Entry
}

func (l leveledLogger) with(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return l.e.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
