package engine

import (
	"sort"

	"ezwatch/internal/model"
)

// Registry resolves zone policies. It is immutable once built; a reload
// builds a new one.
type Registry struct {
	zones   map[string]model.ZonePolicy
	cameras map[string]map[string]struct{}
	owner   map[string]string
	order   []string
}

func NewRegistry(policies []model.ZonePolicy) *Registry {
	r := &Registry{
		zones:   make(map[string]model.ZonePolicy, len(policies)),
		cameras: make(map[string]map[string]struct{}, len(policies)),
		owner:   make(map[string]string),
	}
	for _, p := range policies {
		r.zones[p.ZoneID] = p
		set := make(map[string]struct{}, len(p.CameraIDs))
		for _, cam := range p.CameraIDs {
			set[cam] = struct{}{}
			r.owner[cam] = p.ZoneID
		}
		r.cameras[p.ZoneID] = set
		r.order = append(r.order, p.ZoneID)
	}
	sort.Strings(r.order)
	return r
}

func (r *Registry) Resolve(zoneID string) (model.ZonePolicy, bool) {
	p, ok := r.zones[zoneID]
	return p, ok
}

// ValidateCamera is an exact membership test; a zone without cameras admits
// none.
func (r *Registry) ValidateCamera(policy model.ZonePolicy, cameraID string) bool {
	set, ok := r.cameras[policy.ZoneID]
	if !ok {
		for _, cam := range policy.CameraIDs {
			if cam == cameraID {
				return true
			}
		}
		return false
	}
	_, ok = set[cameraID]
	return ok
}

// ZoneForCamera returns the zone listing the camera. When several zones list
// it, the one declared last wins.
func (r *Registry) ZoneForCamera(cameraID string) (model.ZonePolicy, bool) {
	id, ok := r.owner[cameraID]
	if !ok {
		return model.ZonePolicy{}, false
	}
	return r.zones[id], true
}

func (r *Registry) Zones() []model.ZonePolicy {
	out := make([]model.ZonePolicy, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.zones[id])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.zones)
}
