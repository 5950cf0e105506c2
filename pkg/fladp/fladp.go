// Package fladp is the data-placement adapter (DP): it chooses the FDP
// (Flexible Data Placement) reclaim-group identifier a write lands in, or
// does nothing on devices without placement support. Metadata writes
// always use MetadataPlacementID so the allocator's own structures never
// get mixed into a caller's placement scheme.
package fladp

import (
	"context"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
)

// MetadataPlacementID is the fixed placement id every super block, pool
// segment and slab segment write uses, regardless of policy.
const MetadataPlacementID uint32 = 0

// BindingPolicy controls the granularity at which a placement id, once
// chosen, is reused for subsequent writes.
type BindingPolicy int

const (
	// BindPerWrite picks a fresh placement id for every write.
	BindPerWrite BindingPolicy = iota
	// BindPerObject reuses one placement id for all writes to an object.
	BindPerObject
	// BindPerSlab reuses one placement id for every object in a slab.
	BindPerSlab
	// BindPerPool reuses one placement id for every object in a pool.
	BindPerPool
)

// Key identifies the write being placed; DataPlacer narrows it to the
// configured policy's actual granularity before consulting the cache.
type Key struct {
	PoolID uint32
	SlabID uint32
	ObjNdx uint32
}

func (k Key) scopedKey(policy BindingPolicy) Key {
	switch policy {
	case BindPerPool:
		return Key{PoolID: k.PoolID}
	case BindPerSlab:
		return Key{PoolID: k.PoolID, SlabID: k.SlabID}
	case BindPerObject:
		return k
	default: // BindPerWrite: never matches a cached scope
		return k
	}
}

// DataPlacer decides the placement id a write at key should use.
type DataPlacer interface {
	PlacementID(ctx context.Context, key Key) (uint32, error)
}

// NullDP is the data placer for devices with no FDP support: every write
// goes to the single default placement id.
type NullDP struct{}

func (NullDP) PlacementID(ctx context.Context, key Key) (uint32, error) {
	return MetadataPlacementID, nil
}

// maxCacheEntries bounds FdpDP's scope cache so a workload touching many
// pools/slabs can't grow it without bound.
const maxCacheEntries = 60

// FdpDP round-robins writes across NumPlacementIDs reclaim groups,
// reusing the same id for repeat writes to the same scope under Policy.
// BindPerWrite bypasses the cache entirely: every call picks the next id.
type FdpDP struct {
	Policy          BindingPolicy
	NumPlacementIDs uint32

	mu     sync.Mutex
	next   uint32
	scopes *lru.Cache
	logger *logrus.Entry
}

// NewFdpDP builds an FdpDP. A nil logger falls back to the standard logger.
func NewFdpDP(policy BindingPolicy, numPlacementIDs uint32, logger *logrus.Entry) *FdpDP {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	scopes, _ := lru.New(maxCacheEntries) // only fails for a non-positive size
	return &FdpDP{
		Policy:          policy,
		NumPlacementIDs: numPlacementIDs,
		scopes:          scopes,
		logger:          logger,
	}
}

func (d *FdpDP) PlacementID(ctx context.Context, key Key) (uint32, error) {
	if d.NumPlacementIDs == 0 {
		return 0, flaerr.New(flaerr.InvalidState, "fdp data placer configured with zero placement ids")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Policy == BindPerWrite {
		id := d.next % d.NumPlacementIDs
		d.next++
		return id, nil
	}

	scoped := key.scopedKey(d.Policy)
	if v, ok := d.scopes.Get(scoped); ok {
		return v.(uint32), nil
	}

	id := d.next % d.NumPlacementIDs
	d.next++

	d.logger.WithFields(logrus.Fields{
		"correlation_id": uuid.New().String(),
		"placement_id":   id,
		"pool":           scoped.PoolID,
		"slab":           scoped.SlabID,
	}).Debug("binding new data placement scope")

	d.scopes.Add(scoped, id)
	return id, nil
}

// Len reports the current scope cache occupancy, for tests and inspect output.
func (d *FdpDP) Len() int {
	return d.scopes.Len()
}
