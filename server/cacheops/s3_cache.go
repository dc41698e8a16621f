package cacheops

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/server/services"
)

const storeDir = "/nix/store"

// S3Cache is a CacheOps (and services.BlobStore) implementation backed by
// aws-sdk-go's S3 client, adapted from the teacher's S3BlobStore: the same
// upload/download/list shape, generalized from opaque build-artifact blobs
// to signed NarInfo records and NAR bodies addressed by store path.
type S3Cache struct {
	s3         *s3.S3
	uploader   *s3manager.Uploader
	presignSvc *s3.S3
	cfg        *Config
	log        logger.Log
}

func NewS3Cache(cfg *Config, logFactory logger.LogFactory) (*S3Cache, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("error bucket name must be configured")
	}
	log := logFactory("S3Cache")
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.Profile != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewSharedCredentials("", cfg.Profile))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	client := s3.New(sess)
	return &S3Cache{
		s3:         client,
		uploader:   s3manager.NewUploader(sess),
		presignSvc: client,
		cfg:        cfg,
		log:        log,
	}, nil
}

var _ CacheOps = (*S3Cache)(nil)
var _ services.BlobStore = (*S3Cache)(nil)

func (c *S3Cache) narinfoKey(storePath string) string {
	hashPart, _, _ := splitStorePath(storePath)
	return hashPart + ".narinfo"
}

func (c *S3Cache) HasNarInfo(ctx context.Context, storePath string) (bool, error) {
	_, err := c.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.narinfoKey(storePath)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("error checking narinfo for %s: %w", storePath, err)
	}
	return true, nil
}

func (c *S3Cache) DownloadNarInfo(ctx context.Context, storePath string) (*NarInfo, error) {
	body, err := c.GetBlob(ctx, c.narinfoKey(storePath))
	if err != nil {
		return nil, fmt.Errorf("error downloading narinfo for %s: %w", storePath, err)
	}
	defer body.Close()
	raw, err := ioutil.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading narinfo for %s: %w", storePath, err)
	}
	return ParseNarInfo(string(raw))
}

func (c *S3Cache) QueryMissingPaths(ctx context.Context, storePaths []string) ([]string, error) {
	var missing []string
	for _, p := range storePaths {
		has, err := c.HasNarInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		if !has {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

func (c *S3Cache) UploadNar(ctx context.Context, info *NarInfo, nar io.Reader) (string, int64, error) {
	counted := &countingReader{r: nar}
	if err := c.PutBlob(ctx, info.URL, counted); err != nil {
		return "", 0, fmt.Errorf("error uploading nar %s: %w", info.URL, err)
	}
	return "", counted.n, nil
}

func (c *S3Cache) UploadListing(ctx context.Context, info *NarInfo, listing io.Reader) error {
	if err := c.PutBlob(ctx, info.LsPath(), listing); err != nil {
		return fmt.Errorf("error uploading nar listing for %s: %w", info.StorePath, err)
	}
	return nil
}

func (c *S3Cache) UploadDebugInfo(ctx context.Context, buildID string, data io.Reader) error {
	key := fmt.Sprintf("debuginfo/%s.debug", buildID)
	if err := c.PutBlob(ctx, key, data); err != nil {
		return fmt.Errorf("error uploading debug info %s: %w", buildID, err)
	}
	return nil
}

func (c *S3Cache) PutNarInfo(ctx context.Context, info *NarInfo) error {
	info.Sign(storeDir, c.cfg.SigningKeys)
	body := strings.NewReader(info.Render())
	if err := c.PutBlob(ctx, c.narinfoKey(info.StorePath), body); err != nil {
		return fmt.Errorf("error uploading narinfo for %s: %w", info.StorePath, err)
	}
	return nil
}

func (c *S3Cache) CopyRealisation(ctx context.Context, drvOutput string, realisation []byte) error {
	key := "realisations/" + drvOutput + ".doi"
	if err := c.PutBlob(ctx, key, strings.NewReader(string(realisation))); err != nil {
		return fmt.Errorf("error uploading realisation %s: %w", drvOutput, err)
	}
	return nil
}

func (c *S3Cache) GeneratePresignedUploadURL(ctx context.Context, req PresignedUploadRequest) (*PresignedUploadPlan, error) {
	expiry := c.cfg.PresignedURLExpiry
	narURLPath := narURL(nix32Hash(req.NarHashNix32), c.cfg.Compression)
	narReq, _ := c.presignSvc.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(narURLPath),
	})
	narSigned, err := narReq.Presign(expiry)
	if err != nil {
		return nil, fmt.Errorf("error presigning nar upload for %s: %w", req.StorePath, err)
	}

	plan := &PresignedUploadPlan{
		StorePath:     req.StorePath,
		NarURL:        narSigned,
		ExpirySeconds: int(expiry.Seconds()),
	}

	if c.cfg.WriteNarListing {
		hashPart, _, _ := splitStorePath(req.StorePath)
		lsReq, _ := c.presignSvc.PutObjectRequest(&s3.PutObjectInput{
			Bucket: aws.String(c.cfg.Bucket),
			Key:    aws.String(hashPart + ".ls"),
		})
		lsSigned, err := lsReq.Presign(expiry)
		if err != nil {
			return nil, fmt.Errorf("error presigning listing upload for %s: %w", req.StorePath, err)
		}
		plan.ListingURL = lsSigned
	}

	if c.cfg.WriteDebugInfo {
		for _, buildID := range req.DebugInfoBuildIDs {
			key := fmt.Sprintf("debuginfo/%s.debug", buildID)
			dbgReq, _ := c.presignSvc.PutObjectRequest(&s3.PutObjectInput{
				Bucket: aws.String(c.cfg.Bucket),
				Key:    aws.String(key),
			})
			dbgSigned, err := dbgReq.Presign(expiry)
			if err != nil {
				return nil, fmt.Errorf("error presigning debug info upload for %s: %w", buildID, err)
			}
			plan.DebugInfoURLs = append(plan.DebugInfoURLs, dbgSigned)
		}
	}

	return plan, nil
}

// PutBlob, GetBlob, GetBlobRange, DeleteBlob and ListBlobs satisfy
// services.BlobStore, letting the Upload Pipeline address this cache as a
// generic content-addressed store when it just needs to move bytes rather
// than reason about NarInfo semantics.

func (c *S3Cache) PutBlob(ctx context.Context, key string, source io.Reader) error {
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Body:                 source,
		Bucket:               aws.String(c.cfg.Bucket),
		ContentType:          aws.String("application/octet-stream"),
		Key:                  aws.String(key),
		ServerSideEncryption: aws.String("AES256"),
	})
	if err != nil {
		return fmt.Errorf("error putting blob %s: %w", key, err)
	}
	c.log.WithField("bucket", c.cfg.Bucket).WithField("key", key).Infof("uploaded object")
	return nil
}

func (c *S3Cache) GetBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("error getting blob %s: %w", key, err)
	}
	return out.Body, nil
}

func (c *S3Cache) GetBlobRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("error getting blob range %s: %w", key, err)
	}
	return out.Body, nil
}

func (c *S3Cache) DeleteBlob(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("error deleting blob %s: %w", key, err)
	}
	return nil
}

func (c *S3Cache) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := c.s3.ListObjectsPagesWithContext(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("error listing blobs prefix=%s: %w", prefix, err)
	}
	return keys, nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "status code: 404")
}

// countingReader wraps a reader to tally bytes read, used to fill in
// NarInfo.FileSize from the compressed stream actually uploaded.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
