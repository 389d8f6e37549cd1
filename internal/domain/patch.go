package domain

// Patch is a partial update. Nil fields are left untouched; map fields are
// merged key by key into the stored maps.
type Patch struct {
	Name            *string            `json:"name,omitempty"`
	Code            *string            `json:"code,omitempty"`
	Description     *string            `json:"description,omitempty"`
	Status          *string            `json:"status,omitempty"`
	Priority        *Priority          `json:"priority,omitempty"`
	Category        *string            `json:"category,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Flags           map[string]bool    `json:"flags,omitempty"`
	Attributes      map[string]string  `json:"attributes,omitempty"`
	ExpectedVersion *int               `json:"expected_version,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Code == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.Category == nil &&
		len(p.Metrics) == 0 && len(p.Flags) == 0 && len(p.Attributes) == 0
}

// Apply returns a copy of r with the patch applied. Version and timestamps are
// the store's business and are not touched here.
func (p Patch) Apply(r Record) Record {
	out := r.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Code != nil {
		out.Code = *p.Code
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	out.Metrics = mergeMap(out.Metrics, p.Metrics)
	out.Flags = mergeMap(out.Flags, p.Flags)
	out.Attributes = mergeMap(out.Attributes, p.Attributes)
	return out
}

func mergeMap[K comparable, V any](dst, src map[K]V) map[K]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[K]V, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
