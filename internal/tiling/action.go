package tiling

import (
	"context"
	"fmt"

	"github.com/tunjid/heron-sub003/internal/cursor"
)

// Action is an input from the presentation layer. The set of actions is
// closed: LoadAroundAction, RefreshAction and ViewportAction.
type Action interface {
	action()
}

// LoadAroundAction asks for Query's page to be made resident.
type LoadAroundAction struct {
	Query cursor.Query
}

// RefreshAction re-anchors the feed at now.
type RefreshAction struct{}

// ViewportAction reports the visible index range.
type ViewportAction struct {
	Visible cursor.Range
}

func (LoadAroundAction) action() {}
func (RefreshAction) action()    {}
func (ViewportAction) action()   {}

// Dispatch applies a to the engine.
func (e *Engine[T]) Dispatch(ctx context.Context, a Action) error {
	switch a := a.(type) {
	case LoadAroundAction:
		return e.LoadAround(ctx, a.Query)
	case RefreshAction:
		return e.Refresh(ctx)
	case ViewportAction:
		_, err := e.Viewport(ctx, a.Visible)
		return err
	default:
		return fmt.Errorf("tiling: unknown action %T", a)
	}
}
