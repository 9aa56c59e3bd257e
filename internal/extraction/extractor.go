package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("no extraction backend configured")

// ExhaustedError is returned when every configured backend failed for a file.
type ExhaustedError struct {
	Attempts []error
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		parts = append(parts, err.Error())
	}
	return "all extraction backends failed: " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Unwrap() []error {
	return e.Attempts
}

type pageCounter interface {
	PageCount(data []byte) (int, error)
}

type Extractor struct {
	primary  Backend
	fallback Backend
	pages    pageCounter
	timeout  time.Duration
	logger   *slog.Logger
}

type ExtractorOptions struct {
	// Timeout bounds each backend attempt separately.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewExtractor wires the primary and fallback backends. Either may be nil
// when its credentials are not configured.
func NewExtractor(primary, fallback Backend, opts ExtractorOptions) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		primary:  primary,
		fallback: fallback,
		pages:    PDFInspector{},
		timeout:  opts.Timeout,
		logger:   logger,
	}
}

func (e *Extractor) Configured() bool {
	return e != nil && (e.primary != nil || e.fallback != nil)
}

func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (Result, error) {
	if !e.Configured() {
		return Result{}, ErrNotConfigured
	}
	isPDF := mimeType == "application/pdf"
	pageCount := 0
	var preIssues []string
	if isPDF && e.pages != nil {
		count, err := e.pages.PageCount(data)
		if err != nil {
			preIssues = append(preIssues, err.Error())
		} else {
			pageCount = count
		}
	}

	var attempts []error
	for i, backend := range []Backend{e.primary, e.fallback} {
		if backend == nil {
			continue
		}
		result, err := e.attempt(ctx, backend, data, mimeType, filename, isPDF)
		if err != nil {
			e.logger.Warn("extraction backend failed",
				"backend", backend.Name(), "filename", filename, "error", err)
			attempts = append(attempts, fmt.Errorf("%s: %w", backend.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		result.UsedModel = backend.Name()
		result.FallbackUsed = i == 1
		result.PageCount = pageCount
		result.Issues = append(preIssues, result.Issues...)
		return result, nil
	}
	return Result{}, &ExhaustedError{Attempts: attempts}
}

func (e *Extractor) attempt(ctx context.Context, backend Backend, data []byte, mimeType, filename string, isPDF bool) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if isPDF {
		return backend.ExtractFromPDF(ctx, data, filename)
	}
	return backend.ExtractFromImage(ctx, data, mimeType, filename)
}
