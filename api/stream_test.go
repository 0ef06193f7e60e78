package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

type mockFeed struct {
	mu       sync.Mutex
	onChange func(domain.ChangeEvent)
	stopped  int
}

func (f *mockFeed) Subscribe(ctx context.Context, boardID string, onChange func(domain.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	f.onChange = onChange
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
	}, nil
}

func (f *mockFeed) emit(ev domain.ChangeEvent) {
	f.mu.Lock()
	onChange := f.onChange
	f.mu.Unlock()
	if onChange != nil {
		onChange(ev)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamBoardSendsSnapshotFrames(t *testing.T) {
	store := &mockStore{snap: domain.BoardSnapshot{
		Board:   domain.Board{ID: "b1", Title: "Launch"},
		Columns: []domain.ColumnWithTasks{{Column: domain.Column{ID: "c1"}, Tasks: []domain.Task{}}},
	}}
	feed := &mockFeed{}
	h := &handlers{store: store, feed: feed, auth: mockAuth{}, logger: log.New()}

	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1/stream", nil).WithContext(ctx)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b1")

	done := make(chan error, 1)
	go func() {
		done <- h.streamBoard(c)
	}()

	waitFor(t, time.Second, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.onChange != nil
	})

	feed.emit(domain.ChangeEvent{BoardID: "b1", Table: domain.TableTasks, Kind: domain.ChangeInsert})
	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.fetchCalls >= 2
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream handler returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream handler did not stop on context cancel")
	}

	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}
	body := rec.Body.String()
	if n := strings.Count(body, "event: snapshot"); n != 2 {
		t.Fatalf("expected 2 snapshot frames, got %d in %q", n, body)
	}
	if !strings.Contains(body, `"Launch"`) {
		t.Fatalf("snapshot payload missing: %q", body)
	}

	feed.mu.Lock()
	stopped := feed.stopped
	feed.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected unsubscribe on disconnect, got %d", stopped)
	}
}

func TestStreamBoardUnknownBoard(t *testing.T) {
	store := &mockStore{fetchErr: domain.NotFoundf("board b9")}
	h := &handlers{store: store, feed: &mockFeed{}, auth: mockAuth{}, logger: log.New()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/boards/b9/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b9")

	if err := h.streamBoard(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}
