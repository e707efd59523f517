// Package documents renders proposals and invoices to PDF and keeps the artifacts.
package documents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Converter turns an HTML document into PDF bytes. *report.Client satisfies it.
type Converter interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Document is one printable sheet stored under Key.
type Document struct {
	Key   string
	Sheet Sheet
}

// RenderOptions control caching and artifact retention.
type RenderOptions struct {
	BaseURL string
	// Force bypasses the cached Previous artifact.
	Force bool
	// Mode overrides the renderer's default mode when set.
	Mode Mode
	// DeleteOld removes Previous after a new artifact was stored.
	DeleteOld bool
	Previous  ArtifactRef
}

// Renderer is the PDF collaborator used by proposals and invoices.
type Renderer interface {
	Render(ctx context.Context, doc Document, opts RenderOptions) (ArtifactRef, error)
	Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)
	Exists(ctx context.Context, ref ArtifactRef) bool
}

// Observer receives render outcomes; the observability package implements it.
type Observer interface {
	ObserveRender(kind string, d time.Duration, err error)
}

// Service renders sheets through a Converter and saves them in a Store.
type Service struct {
	converter   Converter
	store       Store
	defaultMode Mode
	observer    Observer
	logger      *slog.Logger
}

// NewService wires a renderer.
func NewService(converter Converter, store Store, mode Mode, observer Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeOverwrite
	}
	return &Service{converter: converter, store: store, defaultMode: mode, observer: observer, logger: logger}
}

// Render returns opts.Previous untouched when it still exists and Force is off.
// Converter failures are reported as *shared.DeliveryError.
func (s *Service) Render(ctx context.Context, doc Document, opts RenderOptions) (ArtifactRef, error) {
	if !opts.Force && !opts.Previous.IsZero() && s.store.Exists(ctx, opts.Previous) {
		return opts.Previous, nil
	}
	start := time.Now()
	ref, err := s.render(ctx, doc, opts)
	if s.observer != nil {
		s.observer.ObserveRender(doc.Sheet.Kind, time.Since(start), err)
	}
	if err != nil {
		return "", err
	}

	if opts.DeleteOld && !opts.Previous.IsZero() && opts.Previous != ref {
		if err := s.store.Delete(ctx, opts.Previous); err != nil {
			s.logger.Warn("delete previous artifact", slog.String("artifact", string(opts.Previous)), slog.Any("error", err))
		}
	}
	s.logger.Info("document rendered", slog.String("kind", doc.Sheet.Kind), slog.String("artifact", string(ref)))
	return ref, nil
}

func (s *Service) render(ctx context.Context, doc Document, opts RenderOptions) (ArtifactRef, error) {
	html, err := RenderSheetHTML(doc.Sheet, opts.BaseURL)
	if err != nil {
		return "", err
	}
	if s.converter == nil {
		return "", &shared.DeliveryError{Collaborator: "pdf renderer", Err: errors.New("converter not configured")}
	}
	pdf, err := s.converter.RenderHTML(ctx, html)
	if err != nil {
		return "", &shared.DeliveryError{Collaborator: "pdf renderer", Err: err}
	}
	mode := opts.Mode
	if mode == "" {
		mode = s.defaultMode
	}
	return s.store.Save(ctx, doc.Key, pdf, mode)
}

// Open streams a stored artifact.
func (s *Service) Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error) {
	return s.store.Open(ctx, ref)
}

// Exists reports whether ref names a stored artifact.
func (s *Service) Exists(ctx context.Context, ref ArtifactRef) bool {
	return !ref.IsZero() && s.store.Exists(ctx, ref)
}
