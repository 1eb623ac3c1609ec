package httpapi

import (
	"context"
)

type playerContextKey string

const playerKey playerContextKey = "player"

// Player is the caller identity forwarded by the upstream gateway.
type Player struct {
	UserID string
	Name   string
}

func withPlayer(ctx context.Context, p *Player) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, playerKey, p)
}

func playerFromContext(ctx context.Context) *Player {
	val := ctx.Value(playerKey)
	if v, ok := val.(*Player); ok {
		return v
	}
	return nil
}
