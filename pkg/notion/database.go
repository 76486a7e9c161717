package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// StatusQueued marks entity pages waiting for a run.
const StatusQueued = "Queued"

// QueryAll fetches all pages from a Notion database, following cursors. The
// next page is requested in the background while the current one is
// appended.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	newReq := func(cursor notionapi.Cursor) *notionapi.DatabaseQueryRequest {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			req.PageSize = filter.PageSize
		}
		return req
	}

	type pageResult struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}
	var pending <-chan pageResult

	var all []notionapi.Page
	for {
		var res pageResult
		if pending != nil {
			res = <-pending
		} else {
			res.resp, res.err = c.QueryDatabase(ctx, dbID, newReq(""))
		}
		if res.err != nil {
			return nil, eris.Wrap(res.err, "notion: query all page")
		}

		if res.resp.HasMore {
			ch := make(chan pageResult, 1)
			pending = ch
			next := newReq(res.resp.NextCursor)
			go func() {
				r, e := c.QueryDatabase(ctx, dbID, next)
				ch <- pageResult{resp: r, err: e}
			}()
		}

		all = append(all, res.resp.Results...)
		if !res.resp.HasMore {
			return all, nil
		}
	}
}

// QueryQueued fetches all pages with Status = "Queued" from the entity
// database.
func QueryQueued(ctx context.Context, c Client, dbID string) ([]notionapi.Page, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status: &notionapi.StatusFilterCondition{
				Equals: StatusQueued,
			},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "notion: query queued entities")
	}
	return pages, nil
}
