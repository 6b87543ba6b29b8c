// Package api is the HTTP administration surface (spec.md §6.2): the
// external collaborator that mints room IDs and maps 1:1 onto RoomRegistry
// and Room operations. It is not part of the coordination core itself.
package api

import (
	"net/http"

	"github.com/syncroom/engine/internal/v1/registry"
	"github.com/syncroom/engine/internal/v1/room"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler exposes the admin REST endpoints over a Registry.
type Handler struct {
	registry *registry.Registry
}

// NewHandler creates an admin Handler.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{registry: reg}
}

// Register wires the admin routes onto a gin router group.
func (h *Handler) Register(rg gin.IRouter) {
	rg.POST("/rooms", h.createRoom)
	rg.DELETE("/rooms/:id", h.deleteRoom)
	rg.GET("/rooms/:id", h.getRoom)
	rg.GET("/rooms/:id/playlist", h.getPlaylist)
	rg.GET("/rooms/:id/playback", h.getPlayback)
	rg.PATCH("/rooms/:id/settings", h.updateSettings)
}

type createRoomRequest struct {
	HostID string `json:"hostId" binding:"required"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostId is required"})
		return
	}

	roomID := uuid.NewString()[:8]
	if _, err := h.registry.Create(roomID, req.HostID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, createRoomResponse{RoomID: roomID})
}

type deleteRoomRequest struct {
	CallerID string `json:"callerId" binding:"required"`
}

func (h *Handler) deleteRoom(c *gin.Context) {
	var req deleteRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callerId is required"})
		return
	}

	if !h.registry.Exists(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": room.ReasonRoomNotFound})
		return
	}
	if err := h.registry.Delete(c.Param("id"), req.CallerID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) lookupRoom(c *gin.Context) (*room.Room, bool) {
	r, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": room.ReasonRoomNotFound})
		return nil, false
	}
	return r, true
}

func (h *Handler) getRoom(c *gin.Context) {
	r, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r.Snapshot())
}

func (h *Handler) getPlaylist(c *gin.Context) {
	r, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	snap := r.Snapshot()
	c.JSON(http.StatusOK, gin.H{"tracks": snap.Queue, "nowPlayingIndex": snap.NowPlayingIndex})
}

func (h *Handler) getPlayback(c *gin.Context) {
	r, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	snap := r.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":           snap.State,
		"nowPlaying":      snap.NowPlaying,
		"positionMs":      snap.PositionMs,
		"isPlaying":       snap.IsPlaying,
		"nowPlayingIndex": snap.NowPlayingIndex,
	})
}

type updateSettingsRequest struct {
	CallerID             string `json:"callerId" binding:"required"`
	AllowGuestsControl   *bool  `json:"allowGuestsControl"`
	AllowGuestsEditQueue *bool  `json:"allowGuestsEditQueue"`
}

func (h *Handler) updateSettings(c *gin.Context) {
	r, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callerId is required"})
		return
	}

	res := r.UpdateSettings(req.CallerID, req.AllowGuestsControl, req.AllowGuestsEditQueue)
	if !res.OK {
		c.JSON(http.StatusForbidden, gin.H{"error": res.Reason})
		return
	}
	c.JSON(http.StatusOK, r.Snapshot())
}
