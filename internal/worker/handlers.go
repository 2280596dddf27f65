package worker

import (
	"context"
	"fmt"

	"github.com/storyapp/shelter/internal/push"
	"github.com/storyapp/shelter/internal/replay"
)

// PushHandler shows every push through b.
func PushHandler(b *push.Bridge) HandlerFunc {
	return func(ctx context.Context, ev Event) (Result, error) {
		pe, ok := ev.(PushEvent)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
		}
		return Result{}, b.HandlePush(ctx, pe.Payload)
	}
}

func ClickHandler(b *push.Bridge) HandlerFunc {
	return func(ctx context.Context, ev Event) (Result, error) {
		ce, ok := ev.(NotificationClickEvent)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
		}
		return Result{}, b.HandleClick(ctx, ce.Notification)
	}
}

// SyncHandler runs a replay pass for the story sync tag and ignores others.
func SyncHandler(r *replay.Replayer) HandlerFunc {
	return func(ctx context.Context, ev Event) (Result, error) {
		se, ok := ev.(SyncEvent)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
		}
		if se.Tag != "" && se.Tag != replay.SyncTag {
			return Result{}, nil
		}
		res, err := r.Run(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Replay: &res}, nil
	}
}
