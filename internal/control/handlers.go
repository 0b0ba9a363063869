package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maskelog/esp32-music-info/internal/daemon"
	"github.com/maskelog/esp32-music-info/internal/link"
	"github.com/maskelog/esp32-music-info/internal/observer"
)

// TargetRequest is the body of PUT /api/target
type TargetRequest struct {
	Address string `json:"address"`
}

// PlayerRequest is the body of PUT /api/player
type PlayerRequest struct {
	Player string `json:"player"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "musicinfo",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) getTrack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"track": s.svc.CurrentTrack()})
}

func (s *Server) getTarget(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"target": s.svc.ConnectionTarget()})
}

func (s *Server) putTarget(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if _, err := link.NormalizeAddress(req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid address",
			"details": err.Error(),
		})
		return
	}

	if err := s.svc.SetConnectionTarget(c.Request.Context(), req.Address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to set connection target",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"target": s.svc.ConnectionTarget()})
}

func (s *Server) startRelay(c *gin.Context) {
	if err := s.svc.StartRelay(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, daemon.ErrNotRunning) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"error":   "Failed to start relay",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"relay": s.svc.RelayRunning()})
}

func (s *Server) stopRelay(c *gin.Context) {
	s.svc.StopRelay()
	c.JSON(http.StatusOK, gin.H{"relay": s.svc.RelayRunning()})
}

func (s *Server) getPlayer(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"player": s.svc.SelectedPlayer()})
}

func (s *Server) putPlayer(c *gin.Context) {
	var req PlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := s.svc.SetSelectedPlayer(c.Request.Context(), req.Player); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to select player",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"player": s.svc.SelectedPlayer()})
}

func (s *Server) getPlayers(c *gin.Context) {
	players, err := s.svc.Players()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to list players",
			"details": err.Error(),
		})
		return
	}
	if players == nil {
		players = []observer.Player{}
	}
	c.JSON(http.StatusOK, gin.H{"players": players})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

// feed upgrades to a websocket that receives a status message followed by
// every daemon event
func (s *Server) feed(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Feed upgrade failed")
		return
	}

	client := newWSClient(s.hub, conn, s.logger)
	if raw, err := json.Marshal(s.svc.Status()); err == nil {
		client.send <- Message{Type: MessageStatus, Data: raw, Time: time.Now()}
	}
	client.serve(c.Request.Context())
}
