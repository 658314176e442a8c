// Package archive 把最终报告归档到 S3 兼容的对象存储。
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/s3utils"
)

// MinIO 使用 minio-go 客户端保存报告。
type MinIO struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// Options 描述对象存储连接参数。
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// New 创建归档客户端；不会在启动时访问网络。
func New(opts Options) (*MinIO, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("archive: endpoint and bucket are required")
	}
	if err := s3utils.CheckValidBucketName(opts.Bucket); err != nil {
		return nil, fmt.Errorf("archive: bucket %q: %w", opts.Bucket, err)
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return &MinIO{mc: mc, bucket: opts.Bucket, prefix: "reports"}, nil
}

// ObjectKey 返回会话报告对应的对象键。
func (m *MinIO) ObjectKey(sessionID string) string {
	return path.Join(m.prefix, sessionID+".md")
}

// Store 上传报告并返回对象键。
func (m *MinIO) Store(ctx context.Context, sessionID, report string) (string, error) {
	key := m.ObjectKey(sessionID)
	_, err := m.mc.PutObject(ctx, m.bucket, key, strings.NewReader(report), int64(len(report)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"session-id": sessionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive report %s: %w", sessionID, err)
	}
	return key, nil
}

// Fetch 读取已归档的报告。
func (m *MinIO) Fetch(ctx context.Context, sessionID string) (string, error) {
	obj, err := m.mc.GetObject(ctx, m.bucket, m.ObjectKey(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("fetch report %s: %w", sessionID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read report %s: %w", sessionID, err)
	}
	return string(data), nil
}
