package pipeline

import (
	"context"

	"github.com/mohans/genpipe/catalog"
	"github.com/mohans/genpipe/gateway"
)

// Ledger is the external credit ledger. Reserve is called once at submission,
// Refund once on compensation, both for the exact reserved amount.
type Ledger interface {
	Reserve(ctx context.Context, ownerID string, amount int64) error
	Refund(ctx context.Context, ownerID string, amount int64) error
}

// Watermarker is the external post-processing collaborator.
type Watermarker interface {
	Apply(ctx context.Context, data []byte, meta map[string]string) ([]byte, error)
}

// Upload is the blob-upload result: an opaque reference plus a resolvable URL.
type Upload struct {
	Ref string
	URL string
}

// Uploader is the external blob storage collaborator.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (Upload, error)
}

// Selector chooses an upstream model for a request.
type Selector interface {
	SelectBestModel(ctx context.Context, req catalog.Requirements) (*catalog.ModelRecord, error)
}

// Invoker calls the chosen model through its wire format.
type Invoker interface {
	Invoke(ctx context.Context, model *catalog.ModelRecord, req gateway.Request) (*gateway.NormalizedResult, error)
}

// Notifier publishes status snapshots for out-of-band consumers. Publishing
// is best effort; the pipeline never fails a run over it.
type Notifier interface {
	Publish(ctx context.Context, snap StatusSnapshot) error
}
