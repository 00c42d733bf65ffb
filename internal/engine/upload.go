package engine

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/storage"
)

// File is one uploaded file. Either Data or Reader carries the body; Size is
// advisory for readers.
type File struct {
	Filename string
	MimeType string
	Size     int64
	Data     []byte
	Reader   io.Reader
}

// Upload stores a file and creates a record describing it. data carries any
// additional field values of the record.
func (c *Collection) Upload(ctx context.Context, file File, data map[string]any, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "upload")
	defer span.End()
	span.SetMetadata("filename", file.Filename)

	row, err := c.upload(ctx, file, data, oc)
	if err != nil {
		return nil, c.fail(span, err)
	}
	span.SetStatus("ok")
	return row, nil
}

// UploadMany uploads files in order and stops at the first failure. Records
// created before the failure are kept.
func (c *Collection) UploadMany(ctx context.Context, files []File, data map[string]any, oc OpContext) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		row, err := c.Upload(ctx, f, data, oc)
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *Collection) upload(ctx context.Context, file File, data map[string]any, oc OpContext) (map[string]any, error) {
	policy := c.entity.Upload
	files := c.engine.opts.Files
	if policy == nil || files == nil {
		return nil, NotImplemented(c.entity.Name, "upload")
	}
	normalized, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	if _, err := c.enforce(ctx, metadata.OpCreate, normalized, nil, data); err != nil {
		return nil, err
	}

	if file.MimeType == "" {
		file.MimeType = "application/octet-stream"
	}
	if !mimeAllowed(policy.MimeTypes, file.MimeType) {
		return nil, ValidationError([]ErrorDetail{{
			Field:   "file",
			Rule:    "mime_type",
			Message: fmt.Sprintf("file type %s is not allowed", file.MimeType),
		}})
	}
	maxSize := policy.MaxSize
	if maxSize <= 0 {
		maxSize = c.engine.opts.MaxFileSize
	}
	if file.Data != nil {
		file.Size = int64(len(file.Data))
	}
	if maxSize > 0 && file.Size > maxSize {
		return nil, tooLarge(file.Size, maxSize)
	}

	key := path.Join(policy.Prefix, uuid.NewString()+strings.ToLower(path.Ext(file.Filename)))
	meta := storage.Meta{Filename: file.Filename, MimeType: file.MimeType, Size: file.Size}
	switch {
	case file.Data != nil:
		if err := files.Put(ctx, key, file.Data, meta); err != nil {
			return nil, fmt.Errorf("store file: %w", err)
		}
	case file.Reader != nil:
		r := file.Reader
		if maxSize > 0 {
			r = io.LimitReader(r, maxSize+1)
		}
		n, err := files.PutStream(ctx, key, r, meta)
		if err != nil {
			return nil, fmt.Errorf("store file: %w", err)
		}
		if maxSize > 0 && n > maxSize {
			c.discardFile(ctx, key)
			return nil, tooLarge(n, maxSize)
		}
		file.Size = n
	default:
		if err := files.Put(ctx, key, nil, meta); err != nil {
			return nil, fmt.Errorf("store file: %w", err)
		}
	}

	input := cloneMap(data)
	input[metadata.UploadFilename] = file.Filename
	input[metadata.UploadMimeType] = file.MimeType
	input[metadata.UploadFilesize] = file.Size
	input[metadata.UploadKey] = key
	row, err := c.create(ctx, input, oc)
	if err != nil {
		c.discardFile(ctx, key)
		return nil, translateError(c.dialect, c.entity.Name, err)
	}
	return row, nil
}

func (c *Collection) discardFile(ctx context.Context, key string) {
	if err := c.engine.opts.Files.Delete(context.WithoutCancel(ctx), key); err != nil {
		c.engine.logger.Warn("discard uploaded file", zap.String("key", key), zap.Error(err))
	}
}

func tooLarge(size, limit int64) *AppError {
	return ValidationError([]ErrorDetail{{
		Field:   "file",
		Rule:    "max_size",
		Message: fmt.Sprintf("file too large: %d bytes (max %d)", size, limit),
	}})
}

// mimeAllowed matches exact types and "type/*" wildcards. An empty list
// allows everything.
func mimeAllowed(allowed []string, mimeType string) bool {
	if len(allowed) == 0 {
		return true
	}
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == mimeType || a == "*/*" {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(mimeType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}
