package provider

import (
	"context"

	"github.com/xqi1337/nekoengine/models"
)

// sliceIterator adapts an already-fetched slice of servers to ServerIterator
// for providers whose one HTTP round-trip yields every server at once. It
// still honors the "stop after first Next without paying for the rest"
// contract in the degenerate sense that nothing further is fetched either way.
type sliceIterator struct {
	servers []*models.Server
	pos     int
}

func newSliceIterator(servers []*models.Server) *sliceIterator {
	return &sliceIterator{servers: servers}
}

func (it *sliceIterator) Next(ctx context.Context) (*models.Server, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if it.pos >= len(it.servers) {
		return nil, false, nil
	}
	srv := it.servers[it.pos]
	it.pos++
	return srv, true, nil
}

func (it *sliceIterator) Close() error { return nil }
