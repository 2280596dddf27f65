package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/storyapp/shelter/internal/push"
	"github.com/storyapp/shelter/internal/queue"
	"github.com/storyapp/shelter/internal/replay"
	"github.com/storyapp/shelter/internal/worker"
)

const (
	maxPushBody = 64 << 10
	// room for the multipart envelope around a maximum-size photo
	maxPendingBody = queue.MaxPhotoSize + 64<<10
)

type envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: true, Message: msg})
}

// dispatchStatus maps a dispatch failure to a response status.
func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrNotReady), errors.Is(err, worker.ErrInvalidState):
		return http.StatusServiceUnavailable
	case errors.Is(err, worker.ErrUnhandledEvent):
		return http.StatusNotImplemented
	case errors.Is(err, replay.ErrReplayBusy):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable push payload")
		return
	}
	if _, err := h.Reg.Dispatch(r.Context(), worker.PushEvent{Payload: payload}); err != nil {
		h.Log.Warn("push event failed", "error", err)
		writeError(w, dispatchStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Message: "shown"})
}

// notificationClick accepts either a full notification or just the id of one
// that is still displayed.
func (h *Handler) notificationClick(w http.ResponseWriter, r *http.Request) {
	var n push.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPushBody)).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}
	if n.ID != "" && n.Data.URL == "" && h.Shown != nil {
		if shown, ok := h.Shown.Lookup(n.ID); ok {
			n = shown
		}
	}
	if _, err := h.Reg.Dispatch(r.Context(), worker.NotificationClickEvent{Notification: n}); err != nil {
		h.Log.Warn("notification click failed", "error", err)
		writeError(w, dispatchStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Message: "handled"})
}

type syncResponse struct {
	envelope
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
}

// sync is the reconnect signal: it runs one replay pass and reports it.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = replay.SyncTag
	}
	res, err := h.Reg.Dispatch(r.Context(), worker.SyncEvent{Tag: tag})
	if err != nil {
		writeError(w, dispatchStatus(err), err.Error())
		return
	}
	out := syncResponse{envelope: envelope{Message: "synced"}}
	if res.Replay != nil {
		out.Attempted, out.Replayed, out.Failed = res.Replay.Attempted, res.Replay.Replayed, res.Replay.Failed
	}
	writeJSON(w, http.StatusOK, out)
}

type pendingItem struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	Photo       *photoRef `json:"photo,omitempty"`
	Guest       bool      `json:"guest"`
	CreatedAt   time.Time `json:"createdAt"`
}

type photoRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

func toItem(p queue.PendingWrite) pendingItem {
	it := pendingItem{
		ID:          p.ID,
		Description: p.Description,
		Lat:         p.Lat,
		Lon:         p.Lon,
		Guest:       p.Token == "",
		CreatedAt:   p.CreatedAt,
	}
	if p.Photo != nil {
		it.Photo = &photoRef{Name: p.Photo.Name, Type: p.Photo.ContentType, Size: len(p.Photo.Data)}
	}
	return it
}

// enqueue stores a story submission that could not be sent. The form is the
// same multipart body the remote API takes.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPendingBody)
	if err := r.ParseMultipartForm(maxPendingBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	pw := queue.PendingWrite{
		Description: r.FormValue("description"),
		Token:       bearer(r),
	}
	if raw := r.FormValue("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		pw.ID = id
	}
	var err error
	if pw.Lat, err = formFloat(r, "lat"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lat")
		return
	}
	if pw.Lon, err = formFloat(r, "lon"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lon")
		return
	}
	if f, hdr, err := r.FormFile("photo"); err == nil {
		data, rerr := io.ReadAll(io.LimitReader(f, queue.MaxPhotoSize+1))
		_ = f.Close()
		if rerr != nil {
			writeError(w, http.StatusBadRequest, "unreadable photo")
			return
		}
		pw.Photo = &queue.Attachment{Name: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Data: data}
	}

	ctx, cancel := context.WithTimeout(r.Context(), pendingTimeout)
	defer cancel()
	stored, err := h.Queue.Enqueue(ctx, pw)
	switch {
	case errors.Is(err, queue.ErrInvalid), errors.Is(err, queue.ErrPhotoTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.Log.Error("enqueue pending write", "error", err)
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	if h.Sync != nil {
		h.Sync.Trigger()
	}
	writeJSON(w, http.StatusCreated, struct {
		envelope
		Pending pendingItem `json:"pending"`
	}{envelope{Message: "queued"}, toItem(stored)})
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue disabled")
		return
	}
	entries, err := h.Queue.List(r.Context())
	if err != nil {
		h.Log.Error("list pending writes", "error", err)
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	items := make([]pendingItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, toItem(e))
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		Pending []pendingItem `json:"pending"`
	}{envelope{Message: "ok"}, items})
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func formFloat(r *http.Request, name string) (*float64, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
