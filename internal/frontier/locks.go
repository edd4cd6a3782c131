package frontier

import (
	"hash/fnv"
	"sync"
)

const lockBuckets = 1024

// domainLocks serializes frontier file access per domain. Domains are hashed
// into a fixed set of buckets so the lock table stays bounded regardless of
// how many domains the crawl discovers. Two domains sharing a bucket contend
// harmlessly; two consumers of the same domain always share a lock.
type domainLocks struct {
	buckets [lockBuckets]sync.Mutex
}

func (dl *domainLocks) lock(domain string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(domain))
	m := &dl.buckets[h.Sum32()%lockBuckets]
	m.Lock()
	return m
}
