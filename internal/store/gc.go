package store

import (
	"context"

	"github.com/mailcove/coremail/framework/log"
)

// ReferencedBlobsLister is implemented by a MetaStore that can enumerate
// every blob path still referenced by a metadata row, for use by GCSweep.
type ReferencedBlobsLister interface {
	ListReferencedBlobPaths(ctx context.Context) ([]string, error)
}

// AllBlobsLister is implemented by a BlobStore that can enumerate every
// path it currently holds, for use by GCSweep.
type AllBlobsLister interface {
	ListAllPaths(ctx context.Context) ([]string, error)
}

// GCSweep deletes blobs with no referencing metadata row. It is invoked
// periodically, not inline on every message delete, since a deleted
// message's body may still be referenced by another message in the same
// thread or by an in-flight draft.
func GCSweep(ctx context.Context, blobs BlobStore, meta ReferencedBlobsLister, lister AllBlobsLister, lg log.Logger) error {
	referenced, err := meta.ListReferencedBlobPaths(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(referenced))
	for _, p := range referenced {
		keep[p] = struct{}{}
	}

	all, err := lister.ListAllPaths(ctx)
	if err != nil {
		return err
	}

	var orphans []string
	for _, p := range all {
		if _, ok := keep[p]; !ok {
			orphans = append(orphans, p)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	lg.Msg("sweeping orphan blobs", "count", len(orphans))
	return blobs.Delete(ctx, orphans)
}
