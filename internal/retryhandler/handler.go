// Package retryhandler holds the concrete retry handlers for list pages,
// detail records and image assets. Each handler refetches its target through
// the request middleware, stores the raw payload and records the output item.
package retryhandler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// Metadata keys understood by every handler.
const (
	MetaRunID = "run_id"
	MetaURL   = "url"
	MetaKey   = "key"
)

// Fetcher performs a GET with resilience. *middleware.Middleware satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string) (*collector.Response, error)
}

// Registrar accepts retry handlers. *orchestrator.Orchestrator satisfies it.
type Registrar interface {
	RegisterRetryHandler(taskType collector.TaskType, handler collector.RetryHandler)
}

// Deps are shared by all handlers. Output may be nil.
type Deps struct {
	Fetcher Fetcher
	Blobs   collector.BlobStore
	Output  collector.OutputRecorder
	Hasher  collector.Hasher
	Clock   collector.Clock
	Logger  *zap.Logger
}

// Config holds the URL templates used when a target is not a URL itself.
// "{target}" in a template is replaced by the escaped target.
type Config struct {
	ListURLTemplate   string
	DetailURLTemplate string
	ImageURLTemplate  string
	BlobPrefix        string
}

// Handler refetches one kind of target.
type Handler struct {
	taskType    collector.TaskType
	urlTemplate string
	contentType string
	extension   string
	prefix      string
	deps        Deps
	logger      *zap.Logger
}

// NewList returns the LIST_COLLECTION handler.
func NewList(deps Deps, cfg Config) *Handler {
	return newHandler(collector.TaskListCollection, cfg.ListURLTemplate, "application/json", ".json", deps, cfg)
}

// NewDetail returns the DETAIL_COLLECTION handler.
func NewDetail(deps Deps, cfg Config) *Handler {
	return newHandler(collector.TaskDetailCollection, cfg.DetailURLTemplate, "application/json", ".json", deps, cfg)
}

// NewImage returns the IMAGE_DOWNLOAD handler. The stored content type comes
// from the response.
func NewImage(deps Deps, cfg Config) *Handler {
	return newHandler(collector.TaskImageDownload, cfg.ImageURLTemplate, "", "", deps, cfg)
}

func newHandler(taskType collector.TaskType, tmpl, contentType, ext string, deps Deps, cfg Config) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		taskType:    taskType,
		urlTemplate: tmpl,
		contentType: contentType,
		extension:   ext,
		prefix:      strings.Trim(cfg.BlobPrefix, "/"),
		deps:        deps,
		logger:      logger.With(zap.String("task_type", string(taskType))),
	}
}

// RegisterAll registers the list, detail and image handlers.
func RegisterAll(reg Registrar, deps Deps, cfg Config) {
	reg.RegisterRetryHandler(collector.TaskListCollection, NewList(deps, cfg))
	reg.RegisterRetryHandler(collector.TaskDetailCollection, NewDetail(deps, cfg))
	reg.RegisterRetryHandler(collector.TaskImageDownload, NewImage(deps, cfg))
}

// TaskType reports which task type h serves.
func (h *Handler) TaskType() collector.TaskType {
	return h.taskType
}

// Attempt refetches target. It reports true once the payload is stored.
func (h *Handler) Attempt(ctx context.Context, target string, metadata map[string]any) (bool, error) {
	if h.deps.Fetcher == nil || h.deps.Blobs == nil || h.deps.Hasher == nil {
		return false, errors.New("retry handler is not fully configured")
	}
	rawURL, err := h.resolveURL(target, metadata)
	if err != nil {
		return false, err
	}

	resp, err := h.deps.Fetcher.Get(ctx, rawURL)
	if err != nil {
		return false, fmt.Errorf("refetch %s: %w", target, err)
	}
	if len(resp.Body) == 0 {
		h.logger.Warn("retry returned an empty body", zap.String("target", target), zap.String("url", rawURL))
		return false, nil
	}

	digest, err := h.deps.Hasher.Hash([]byte(target))
	if err != nil {
		return false, fmt.Errorf("hash target: %w", err)
	}
	if len(digest) > 16 {
		digest = digest[:16]
	}
	blobPath := h.blobPath(digest, rawURL)
	uri, err := h.deps.Blobs.PutObject(ctx, blobPath, h.payloadType(resp), bytes.NewReader(resp.Body))
	if err != nil {
		return false, fmt.Errorf("store %s: %w", target, err)
	}

	if h.deps.Output != nil {
		item := collector.OutputItem{
			RunID:    stringMeta(metadata, MetaRunID),
			TaskType: h.taskType,
			Key:      target,
			URI:      uri,
		}
		if key := stringMeta(metadata, MetaKey); key != "" {
			item.Key = key
		}
		if h.deps.Clock != nil {
			item.CollectedAt = h.deps.Clock.Now()
		}
		if err := h.deps.Output.RecordItem(ctx, item); err != nil {
			return false, fmt.Errorf("record output %s: %w", target, err)
		}
	}

	h.logger.Info("retry stored payload",
		zap.String("target", target),
		zap.String("uri", uri),
		zap.Int("bytes", len(resp.Body)))
	return true, nil
}

// resolveURL prefers metadata["url"], then an absolute target, then the
// configured template.
func (h *Handler) resolveURL(target string, metadata map[string]any) (string, error) {
	if u := stringMeta(metadata, MetaURL); u != "" {
		return u, nil
	}
	if u, err := url.Parse(target); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return target, nil
	}
	if h.urlTemplate == "" {
		return "", fmt.Errorf("no url for %s target %q", h.taskType, target)
	}
	return strings.ReplaceAll(h.urlTemplate, "{target}", url.PathEscape(target)), nil
}

func (h *Handler) blobPath(digest, rawURL string) string {
	ext := h.extension
	if ext == "" {
		ext = ".bin"
		if u, err := url.Parse(rawURL); err == nil {
			if e := path.Ext(u.Path); e != "" && len(e) <= 6 {
				ext = strings.ToLower(e)
			}
		}
	}
	name := fmt.Sprintf("%s/%s%s", strings.ToLower(string(h.taskType)), digest, ext)
	if h.prefix == "" {
		return name
	}
	return h.prefix + "/" + name
}

func (h *Handler) payloadType(resp *collector.Response) string {
	if h.contentType != "" {
		return h.contentType
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func stringMeta(metadata map[string]any, key string) string {
	v, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}
