package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/storage"
)

// Registry is the in-memory set of calls considered running, mirrored 1:1 to
// the Store. After Load it must only be touched from the execution loop.
type Registry struct {
	calls map[calls.CallID]*calls.Descriptor
	store Store
	log   zerolog.Logger
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		calls: make(map[calls.CallID]*calls.Descriptor),
		store: store,
		log:   logger,
	}
}

// Load replaces the registry content with the persisted rows.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.LoadRunningCalls(ctx)
	if err != nil {
		return fmt.Errorf("load running calls: %w", err)
	}
	loaded := make(map[calls.CallID]*calls.Descriptor, len(rows))
	for _, row := range rows {
		d, err := descriptorFromRow(row)
		if err != nil {
			r.log.Warn().Err(err).Msg("Skipping malformed persisted call")
			continue
		}
		loaded[d.ID] = d
	}
	r.calls = loaded
	r.log.Info().Int("count", len(loaded)).Msg("Loaded persisted running calls")
	return nil
}

// Add inserts call and persists it.
func (r *Registry) Add(ctx context.Context, call *calls.Descriptor) error {
	r.calls[call.ID] = call
	r.log.Debug().Object("call", call).Msg("Add running call")
	if err := r.store.SaveRunningCall(ctx, rowFromDescriptor(call)); err != nil {
		return fmt.Errorf("persist running call: %w", err)
	}
	return nil
}

// Update re-persists a call whose relay state changed.
func (r *Registry) Update(ctx context.Context, call *calls.Descriptor) error {
	if r.calls[call.ID] != call {
		return nil
	}
	return r.store.SaveRunningCall(ctx, rowFromDescriptor(call))
}

// Remove deletes a call from memory and storage and returns it, if present.
func (r *Registry) Remove(ctx context.Context, id calls.CallID) *calls.Descriptor {
	call, ok := r.calls[id]
	if !ok {
		return nil
	}
	delete(r.calls, id)
	r.log.Debug().Str("call_id", id.String()).Msg("Call removed")
	if err := r.store.DeleteRunningCall(ctx, id.Bytes()); err != nil {
		r.log.Error().Err(err).Str("call_id", id.String()).Msg("Failed to remove persisted call")
	}
	return call
}

// Get returns the call with id, or nil.
func (r *Registry) Get(id calls.CallID) *calls.Descriptor {
	return r.calls[id]
}

// Len returns the number of running calls.
func (r *Registry) Len() int {
	return len(r.calls)
}

// ForGroup returns the calls of group ordered by call id.
func (r *Registry) ForGroup(group calls.GroupID) []*calls.Descriptor {
	var out []*calls.Descriptor
	for _, c := range r.calls {
		if c.Group == group {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

// HasGroup reports whether any call of group is running.
func (r *Registry) HasGroup(group calls.GroupID) bool {
	for _, c := range r.calls {
		if c.Group == group {
			return true
		}
	}
	return false
}

// Groups returns every group with at least one running call.
func (r *Registry) Groups() []calls.GroupID {
	seen := make(map[calls.GroupID]bool)
	var out []calls.GroupID
	for _, c := range r.calls {
		if !seen[c.Group] {
			seen[c.Group] = true
			out = append(out, c.Group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// FindByGCK returns the running call of group using gck, if any.
func (r *Registry) FindByGCK(group calls.GroupID, gck []byte) *calls.Descriptor {
	for _, c := range r.calls {
		if c.Group == group && c.HasGCK(gck) {
			return c
		}
	}
	return nil
}

func rowFromDescriptor(d *calls.Descriptor) storage.RunningCall {
	return storage.RunningCall{
		ProtocolVersion: d.ProtocolVersion,
		CallID:          d.ID.Bytes(),
		GroupCreator:    d.Group.Creator,
		GroupID:         d.Group.ID,
		RelayBaseURL:    d.RelayBaseURL,
		GCK:             d.GCK(),
		StartedAt:       int64(d.StartedAt()),
		ProcessedAt:     d.ProcessedAt().UnixMilli(),
	}
}

func descriptorFromRow(row storage.RunningCall) (*calls.Descriptor, error) {
	id, err := calls.CallIDFromBytes(row.CallID)
	if err != nil {
		return nil, err
	}
	group := calls.GroupID{Creator: row.GroupCreator, ID: row.GroupID}
	return calls.NewDescriptor(row.ProtocolVersion, group, row.RelayBaseURL, id, row.GCK,
		uint64(row.StartedAt), time.UnixMilli(row.ProcessedAt)), nil
}
