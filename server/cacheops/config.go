package cacheops

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	minPresignedURLExpiry = 60 * time.Second
	maxPresignedURLExpiry = 86400 * time.Second
)

// Config is the parsed form of a cache descriptor URL, e.g.
// "s3://my-bucket?region=us-east-1&compression=zstd&write-nar-listing=1".
// Only the s3 scheme is supported; every other scheme is rejected.
type Config struct {
	Bucket   string
	Region   string
	Scheme   string
	Endpoint string
	Profile  string

	Compression         string
	WriteNarListing     bool
	WriteDebugInfo      bool
	SigningKeys         []*SigningKey
	ParallelCompression bool
	CompressionLevel    int
	NarinfoCompression  string
	LsCompression       string
	LogCompression      string
	BufferSize          int
	PresignedURLExpiry  time.Duration
}

// ParseConfig parses a cache descriptor URL into a Config. The bucket name
// is the URL host, or the URL path when the host is empty; a descriptor
// with neither is an error.
func ParseConfig(descriptor string) (*Config, error) {
	u, err := url.Parse(descriptor)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache descriptor %q: %w", descriptor, err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("error unsupported cache scheme %q, only s3 is supported", u.Scheme)
	}
	bucket := u.Host
	if bucket == "" {
		bucket = strings.TrimPrefix(u.Path, "/")
	}
	if bucket == "" {
		return nil, fmt.Errorf("error cache descriptor %q has no bucket name", descriptor)
	}

	q := u.Query()
	cfg := &Config{
		Bucket:              bucket,
		Region:              q.Get("region"),
		Scheme:              firstNonEmpty(q.Get("scheme"), "https"),
		Endpoint:            q.Get("endpoint"),
		Profile:             q.Get("profile"),
		Compression:         firstNonEmpty(q.Get("compression"), "none"),
		WriteNarListing:     parseBoolOption(q.Get("write-nar-listing")),
		WriteDebugInfo:      parseBoolOption(q.Get("write-debug-info")),
		ParallelCompression: parseBoolOption(q.Get("parallel-compression")),
		NarinfoCompression:  q.Get("narinfo-compression"),
		LsCompression:       q.Get("ls-compression"),
		LogCompression:      q.Get("log-compression"),
		PresignedURLExpiry:  maxPresignedURLExpiry,
	}

	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return nil, fmt.Errorf("error cache descriptor scheme option must be http or https, got %q", cfg.Scheme)
	}
	switch cfg.Compression {
	case "none", "xz", "bz2", "zstd", "brotli":
	default:
		return nil, fmt.Errorf("error unsupported compression option %q", cfg.Compression)
	}

	for _, raw := range collectKeys(q) {
		key, err := ParseSigningKey(raw)
		if err != nil {
			return nil, err
		}
		cfg.SigningKeys = append(cfg.SigningKeys, key)
	}

	if v := q.Get("compression-level"); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("error parsing compression-level %q: %w", v, err)
		}
		cfg.CompressionLevel = level
	}
	if v := q.Get("buffer-size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("error parsing buffer-size %q: %w", v, err)
		}
		cfg.BufferSize = size
	}
	if v := q.Get("presigned-url-expiry"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("error parsing presigned-url-expiry %q: %w", v, err)
		}
		cfg.PresignedURLExpiry = clampExpiry(time.Duration(seconds) * time.Second)
	}

	return cfg, nil
}

func clampExpiry(d time.Duration) time.Duration {
	if d < minPresignedURLExpiry {
		return minPresignedURLExpiry
	}
	if d > maxPresignedURLExpiry {
		return maxPresignedURLExpiry
	}
	return d
}

func parseBoolOption(v string) bool {
	switch v {
	case "1", "true", "True", "TRUE":
		return true
	default:
		return false
	}
}

func firstNonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// collectKeys gathers every secret-key/secret-keys query value, splitting
// the plural form on commas as the spec's secret-keys option requires.
func collectKeys(q url.Values) []string {
	var out []string
	if v := q.Get("secret-key"); v != "" {
		out = append(out, v)
	}
	if v := q.Get("secret-keys"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
