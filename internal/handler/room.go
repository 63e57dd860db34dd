package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/marketchat/internal/chat"
	"github.com/marketchat/internal/middleware"
)

type RoomHandler struct {
	svc *chat.Service
}

func NewRoomHandler(svc *chat.Service) *RoomHandler {
	return &RoomHandler{svc: svc}
}

type CreateRoomRequest struct {
	MemberA string `json:"member_a"`
	MemberB string `json:"member_b"`
}

// CreateRoom resolves or creates the room for a member pair. The caller must
// be one of the two members.
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if req.MemberA != userID && req.MemberB != userID {
		writeError(w, http.StatusForbidden, "caller must be one of the room members")
		return
	}

	room, err := h.svc.CreateOrGetRoom(r.Context(), req.MemberA, req.MemberB)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// ListRooms returns the caller's rooms, most recently active first.
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	roomList, err := h.svc.ListRooms(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomList)
}

func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	room, err := h.svc.GetRoom(r.Context(), roomID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !room.HasMember(userID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// ListMessages returns the room history, oldest first.
func (h *RoomHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.svc.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	// Default is the full history so a reconnecting client catches up on
	// everything it missed; limit/offset page explicitly when asked.
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	messages, err := h.svc.ListMessages(r.Context(), roomID, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// MarkRead resets the caller's unread counter for the room.
func (h *RoomHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	if err := h.svc.MarkRead(r.Context(), roomID, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteRoom removes the room and all of its messages. Member-only.
func (h *RoomHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.svc.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	if err := h.svc.DeleteRoom(r.Context(), roomID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
