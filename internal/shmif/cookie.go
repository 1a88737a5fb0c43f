package shmif

import "hash/fnv"

// FeatureFlags lists the compile-time feature set folded into the page
// cookie (§6). A producer and consumer built from different feature sets
// compute different cookies, which marks their pages as ABI-incompatible —
// the cookie is the core's only ABI-compatibility marker, deliberately
// coarse. This package stamps it into every page it allocates; nothing in
// it compares an existing page's cookie against BuildCookie or returns
// ErrCookieMismatch.
var FeatureFlags = []string{
	"shmif-v1",
	"event-rings-v1",
	"subsegment-v1",
}

// BuildCookie hashes FeatureFlags into the uint64 stored in PageHeader.cookie.
// It is computed once at init and is a pure function of FeatureFlags, so two
// binaries built from the same source always agree.
func BuildCookie() uint64 {
	h := fnv.New64a()
	for _, f := range FeatureFlags {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// buildCookie is the process-wide cookie computed at package init.
var buildCookie = BuildCookie()
