package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/room"
)

// Server is the local HTTP control surface for the voice client. A UI or
// curl drives the debate through it while the client process owns the
// microphone and the server connection.
type Server struct {
	bindAddr string
	logger   *zap.Logger
	room     *room.Room
	echo     *echo.Echo
}

// New creates the control server around a room.
func New(bindAddr string, r *room.Room, logger *zap.Logger) *Server {
	s := &Server{
		bindAddr: bindAddr,
		logger:   logger.Named("api"),
		room:     r,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/transcript", s.handleTranscript)
	e.POST("/debate/start", s.handleStartDebate)
	e.POST("/debate/end", s.handleEndDebate)
	e.POST("/recording/start", s.handleStartRecording)
	e.POST("/recording/stop", s.handleStopRecording)
	e.POST("/stream/stop", s.handleStopStream)

	s.echo = e
	return s
}

// Start blocks serving the control API until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("control API listening", zap.String("addr", s.bindAddr))
	if err := s.echo.Start(s.bindAddr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Phase         string  `json:"phase"`
	Room          any     `json:"room"`
	Recording     bool    `json:"recording"`
	AISpeaking    bool    `json:"ai_speaking"`
	StreamingText string  `json:"streaming_text,omitempty"`
	MicLevel      int     `json:"mic_level"`
	DurationSecs  float64 `json:"duration_seconds"`
}

func (s *Server) handleStatus(c echo.Context) error {
	machine := s.room.Session()
	return c.JSON(http.StatusOK, statusResponse{
		Phase:         machine.Phase().String(),
		Room:          machine.Snapshot(),
		Recording:     s.room.IsRecording(),
		AISpeaking:    machine.IsAISpeaking(),
		StreamingText: machine.StreamingText(),
		MicLevel:      s.room.MicLevel(),
		DurationSecs:  s.room.Duration().Round(time.Second).Seconds(),
	})
}

func (s *Server) handleTranscript(c echo.Context) error {
	return c.JSON(http.StatusOK, s.room.Session().Transcript())
}

func (s *Server) handleStartDebate(c echo.Context) error {
	if err := s.room.StartDebate(); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleEndDebate(c echo.Context) error {
	if err := s.room.EndDebate(); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleStartRecording(c echo.Context) error {
	if err := s.room.StartRecording(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recording"})
}

func (s *Server) handleStopRecording(c echo.Context) error {
	if err := s.room.StopRecording(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStopStream(c echo.Context) error {
	if err := s.room.StopAIStream(); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}
