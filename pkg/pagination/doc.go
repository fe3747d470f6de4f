// Package pagination implements the opaque cursors used by every MCP list
// method.
//
// Cursors encode an offset into the registry's sorted listing. Clients must
// treat them as opaque; the server rejects cursors it did not issue with
// InvalidParams.
//
// # Serving a Page
//
//	tools, next, err := pagination.Page(sorted, params.Cursor, pageSize)
//	if err != nil {
//	    return nil, mcperrors.InvalidCursor(params.Cursor, err.Error())
//	}
//	return &protocol.ListToolsResult{Tools: tools, NextCursor: next}, nil
//
// # Reading Every Page
//
//	all, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.Tool, string, error) {
//	    res, err := c.ListTools(ctx, cursor)
//	    if err != nil {
//	        return nil, "", err
//	    }
//	    return res.Tools, res.NextCursor, nil
//	})
package pagination
