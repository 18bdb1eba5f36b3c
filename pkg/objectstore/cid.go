package objectstore

import (
	"crypto/sha256"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// computeCID derives a CIDv1 raw-codec identifier from a blob's SHA-256
// digest. Using the digest (not a random id) is what makes put()
// idempotent: the same bytes always resolve to the same cid.
func computeCID(data []byte) (cid.Cid, error) {
	sum := sha256.Sum256(data)
	digest, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}
