package driver

import (
	"context"

	"github.com/JakeFAU/genfleet/internal/farm"
)

// Surface is the minimal browser tab API the driver needs. Selectors are
// XPath when they start with "/" or "(", CSS otherwise.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	// Text returns the text of the first match, or "" when nothing matches.
	Text(ctx context.Context, selector string) (string, error)
	// Attrs returns attr for every match, skipping elements without it.
	Attrs(ctx context.Context, selector, attr string) ([]string, error)
	BodyText(ctx context.Context) (string, error)
	Close() error
}

// Connector attaches a Surface to a remote browser endpoint.
type Connector interface {
	Connect(ctx context.Context, endpoint farm.Endpoint) (Surface, error)
}

// IsXPath reports whether selector is written as XPath.
func IsXPath(selector string) bool {
	return len(selector) > 0 && (selector[0] == '/' || selector[0] == '(')
}
