package deconflict

import "math"

// agencyStepUnits is how many base offsets separate neighbouring agency lanes.
const agencyStepUnits = 6

// AgencyAllocator hands every agency its own lane. Lanes alternate sides
// and widen in first-seen order so networks of different operators that
// follow the same street separate before any per-point adjustment.
type AgencyAllocator struct {
	step  float64
	memo  map[string]float64
	order []string
	last  float64
}

// NewAgencyAllocator returns an allocator whose lanes are agencyStepUnits
// base offsets apart.
func NewAgencyAllocator(baseOffset float64) *AgencyAllocator {
	return &AgencyAllocator{
		step: agencyStepUnits * baseOffset,
		memo: make(map[string]float64),
	}
}

// Resolve returns the lane offset of agencyID, assigning one on first use.
func (a *AgencyAllocator) Resolve(agencyID string) float64 {
	if off, ok := a.memo[agencyID]; ok {
		return off
	}
	var generated float64
	if len(a.order) > 0 {
		sign := 1.0
		if a.last >= 0 {
			sign = -1
		}
		generated = sign * (math.Abs(a.last) + a.step)
	}
	a.last = generated
	a.memo[agencyID] = generated
	a.order = append(a.order, agencyID)
	return generated
}

// Order lists agencies in the order they were first resolved.
func (a *AgencyAllocator) Order() []string {
	return append([]string(nil), a.order...)
}

// Len is the number of agencies seen in this pass.
func (a *AgencyAllocator) Len() int { return len(a.order) }
