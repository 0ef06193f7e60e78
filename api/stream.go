package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"board-sync/domain"
)

const streamHeartbeatInterval = 25 * time.Second

// streamBoard serves one board over server-sent events: the full snapshot on
// connect, then a fresh snapshot after every change-feed event for the board.
// Clients reconcile by replacing their state with each frame.
func (h *handlers) streamBoard(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	boardID := c.Param("boardID")
	ctx := c.Request().Context()

	snap, err := h.store.FetchBoardSnapshot(ctx, boardID)
	if err != nil {
		return writeError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := writeSSE(res, "snapshot", snap); err != nil {
		return err
	}

	// A small buffer absorbs bursts; a dropped event is safe because every
	// delivery triggers a full refetch anyway.
	events := make(chan domain.ChangeEvent, 16)
	stop, err := h.feed.Subscribe(ctx, boardID, func(ev domain.ChangeEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		h.logger.Errorf("stream subscribe board %s: %v", boardID, err)
		return nil
	}
	defer stop()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-events:
			snap, err := h.store.FetchBoardSnapshot(ctx, boardID)
			if err != nil {
				h.logger.Errorf("stream refetch board %s: %v", boardID, err)
				continue
			}
			if err := writeSSE(res, "snapshot", snap); err != nil {
				return nil
			}
		}
	}
}

func writeSSE(res *echo.Response, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
