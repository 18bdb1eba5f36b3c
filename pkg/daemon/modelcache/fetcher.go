package modelcache

import "context"

// Store is the object-store seam StoreFetcher needs: a mutable name per
// model_id resolving to the cid of its latest pinned blob.
type Store interface {
	NameResolve(ctx context.Context, name string) (cid string, err error)
	Get(ctx context.Context, cid string) ([]byte, error)
}

const modelNamePrefix = "dim/model/"

// StoreFetcher adapts the shared object store into the Cache's Fetcher
// seam: model_id resolves through the mutable-name layer to a cid, and
// the blob itself comes back through Get.
type StoreFetcher struct {
	store Store
}

func NewStoreFetcher(store Store) *StoreFetcher {
	return &StoreFetcher{store: store}
}

func (f *StoreFetcher) Resolve(ctx context.Context, modelID string) (string, error) {
	return f.store.NameResolve(ctx, modelNamePrefix+modelID)
}

func (f *StoreFetcher) Fetch(ctx context.Context, cid string) ([]byte, error) {
	return f.store.Get(ctx, cid)
}
