package reconcile

import (
	"context"
	"log/slog"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/pkg/errors"
)

const defaultMaxPages = 500

type Paginator struct {
	pageSize int
	maxPages int
}

func NewPaginator(pageSize int) *Paginator {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Paginator{pageSize: pageSize, maxPages: defaultMaxPages}
}

// Paginate walks the occurrence listing of one manifest from the first page
// until a page arrives without a next cursor.
//
// A failure on the first page is returned as is: nothing was collected and
// the caller should retry the job. A failure on a later page returns the
// records collected so far together with a *PartialDataError.
func (p *Paginator) Paginate(ctx context.Context, c tms.Client, resourceID int64) ([]tms.OccurrenceRecord, error) {
	var out []tms.OccurrenceRecord
	seen := map[string]struct{}{}
	cursor := ""

	for pages := 0; ; pages++ {
		if pages >= p.maxPages {
			return out, &PartialDataError{Stage: "pagination", Pages: pages, Err: errors.New("page limit reached")}
		}

		page, err := c.ListOccurrences(ctx, tms.OccurrenceListRequest{
			ResourceID: resourceID,
			Per:        p.pageSize,
			Start:      cursor,
		})
		if err != nil {
			if pages == 0 || ctx.Err() != nil {
				return nil, errors.Wrap(err, "list occurrences")
			}
			return out, &PartialDataError{Stage: "pagination", Pages: pages, Err: err}
		}
		out = append(out, page.Data...)

		next := page.NextCursor()
		if next == "" {
			return out, nil
		}
		if _, dup := seen[next]; dup || next == cursor {
			slog.Warn("pagination cursor repeated, stopping", "resource_id", resourceID, "cursor", next)
			return out, nil
		}
		seen[next] = struct{}{}
		cursor = next
	}
}
