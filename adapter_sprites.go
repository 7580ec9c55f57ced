package ecsviewer

import (
	"math"

	sprites "github.com/nimsforest/nimsforestsprites"
)

// Sprite kinds used by the adapter.
const (
	landNormal = "normal"
	landMana   = "mana"

	spriteTree      = "tree"
	spriteTreehouse = "treehouse"
	spriteNim       = "nim"
)

// SpritesStateAdapter adapts ViewState to sprites.State. Systems are laid
// out as lands on a square grid, in execution order; the next system to run
// is drawn as a mana land. Each query a system uses grows on its land, sized
// by its entity count relative to the largest query seen.
type SpritesStateAdapter struct {
	viewState *ViewState
}

// NewSpritesStateAdapter creates an adapter for sprites rendering.
func NewSpritesStateAdapter(state *ViewState) *SpritesStateAdapter {
	return &SpritesStateAdapter{viewState: state}
}

func gridColumns(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(n))))
}

func gridPosition(i, cols int) (x, y float64) {
	return float64(i % cols), float64(i / cols)
}

// Lands implements sprites.State.
func (a *SpritesStateAdapter) Lands() []sprites.Land {
	if a.viewState == nil {
		return nil
	}

	cols := gridColumns(len(a.viewState.Systems))
	result := make([]sprites.Land, len(a.viewState.Systems))
	for i, sys := range a.viewState.Systems {
		landType := landNormal
		if sys.Next {
			landType = landMana
		}
		x, y := gridPosition(i, cols)
		result[i] = sprites.Land{
			ID:   sys.Name,
			Name: sys.Name,
			X:    x,
			Y:    y,
			Type: landType,
		}
	}
	return result
}

// Processes implements sprites.State.
func (a *SpritesStateAdapter) Processes() []sprites.Process {
	if a.viewState == nil {
		return nil
	}

	queries := make(map[string]QueryView, len(a.viewState.Queries))
	for _, q := range a.viewState.Queries {
		queries[q.Key] = q
	}
	scale := a.viewState.Ranges[FamilyQueries]

	cols := gridColumns(len(a.viewState.Systems))
	var result []sprites.Process
	for i, sys := range a.viewState.Systems {
		x, y := gridPosition(i, cols)
		for _, key := range sys.Queries {
			q, ok := queries[key]
			if !ok {
				continue
			}
			result = append(result, sprites.Process{
				ID:       sys.Name + "/" + key,
				LandID:   sys.Name,
				Type:     spriteKind(sys, q),
				Progress: queryProgress(scale, q.NumEntities),
				X:        x,
				Y:        y,
			})
		}
	}
	return result
}

// spriteKind picks the sprite for a query on a system's land: highlighted
// queries are nims, queries of disabled or paused systems are treehouses.
func spriteKind(sys SystemView, q QueryView) string {
	switch {
	case q.Highlighted:
		return spriteNim
	case !sys.Enabled || sys.Paused:
		return spriteTreehouse
	default:
		return spriteTree
	}
}

func queryProgress(scale MetricRange, n int) float64 {
	if scale.IsEmpty() || scale.Max <= 0 {
		return 0
	}
	// Progress is relative to zero so an empty query renders as a seedling
	// even when every query has entities.
	return MetricRange{Min: 0, Max: scale.Max}.Normalize(float64(n))
}

// Ensure SpritesStateAdapter implements sprites.State
var _ sprites.State = (*SpritesStateAdapter)(nil)
