// Package api provides handlers for external APIs and interfaces
package api

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("garden.api")

// defaultStatisticsDays is the period of the statistics when none is requested
const defaultStatisticsDays = 7

// GardenService is the set of garden operations the outer surfaces expose
type GardenService interface {
	Install(ctx context.Context) error
	AddPlant(ctx context.Context, plant entities.Plant) (int64, error)
	AddDetection(ctx context.Context, plantID, humidity, sensorID int64) (int64, error)
	AddWater(ctx context.Context, plantID, waterQuantity int64) (int64, error)
	AckWatering(ctx context.Context, wateringID int64) error
	GetRecap(ctx context.Context) ([]entities.PlantRecap, error)
	GetReadings(ctx context.Context, plantID int64) ([]entities.SensorReading, error)
	GetStatistics(ctx context.Context, plantID int64, days int) ([]entities.StatisticPoint, error)
	EvaluateWatering(ctx context.Context) (entities.WateringRecap, error)
	FormatRecap(recap []entities.PlantRecap) string
}

var statusPage = template.Must(template.New("status").Funcs(template.FuncMap{
	"orDash": func(v *int64) string {
		if v == nil {
			return "-"
		}
		return strconv.FormatInt(*v, 10)
	},
	"timeOrDash": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
}).Parse(`<!DOCTYPE html>
<html>
<head><title>Garden status</title></head>
<body>
<h1>Garden status</h1>
<table id="plants">
<thead><tr><th>ID</th><th>Plant</th><th>Sensor</th><th>Owner</th><th>Location</th><th>Type</th><th>Humidity</th><th>Detected</th><th>Water</th><th>Watered</th></tr></thead>
<tbody>
{{- range .}}
<tr><td>{{.PlantID}}</td><td>{{.PlantName}}</td><td>{{.SensorID}}</td><td>{{.Owner}}</td><td>{{.Location}}</td><td>{{.Type}}</td><td>{{orDash .Humidity}}</td><td>{{timeOrDash .DetectionTime}}</td><td>{{orDash .WaterQuantity}}</td><td>{{timeOrDash .WateringTime}}</td></tr>
{{- end}}
</tbody>
</table>
</body>
</html>`))

// HTTPServer serves the garden operations over HTTP
type HTTPServer struct {
	garden GardenService
	router *gin.Engine
	server *http.Server
}

// NewHTTPServer creates the router with its CORS policy
func NewHTTPServer(garden GardenService, allowedOrigins []string) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost"}
	}
	logger.Debugf("CORS allowed: %v", allowedOrigins)
	router.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
	}))
	router.SetHTMLTemplate(statusPage)

	s := &HTTPServer{garden: garden, router: router}
	router.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/status") })
	router.GET("/status", s.showStatus)
	router.GET("/status.html", s.showStatusPage)
	router.GET("/install", s.install)
	router.POST("/plants", s.addPlant)
	router.POST("/plants/:id/detections", s.addDetection)
	router.GET("/plants/:id/readings", s.getReadings)
	router.POST("/plants/:id/water", s.addWater)
	router.GET("/plants/:id/statistics", s.getStatistics)
	router.POST("/watering/:id/ack", s.ackWatering)
	router.POST("/watering/evaluate", s.evaluate)
	return s
}

// Handler exposes the router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start listens on the port until Shutdown is called
func (s *HTTPServer) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infof("HTTP server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Annotate(err, "HTTP server failed")
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) showStatus(c *gin.Context) {
	recap, err := s.garden.GetRecap(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}

func (s *HTTPServer) showStatusPage(c *gin.Context) {
	recap, err := s.garden.GetRecap(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.HTML(http.StatusOK, "status", recap)
}

func (s *HTTPServer) install(c *gin.Context) {
	if err := s.garden.Install(c.Request.Context()); err != nil {
		logger.Errorf("install failed: %v", err)
		c.JSON(http.StatusInternalServerError, "Cannot setup database")
		return
	}
	c.JSON(http.StatusOK, "Database installed")
}

type plantRequest struct {
	Name            string `json:"plant_name" binding:"required"`
	SensorID        int64  `json:"nodemcu_id" binding:"required"`
	PlantNum        int64  `json:"plant_num"`
	Owner           string `json:"owner"`
	Location        string `json:"plant_location"`
	Type            string `json:"plant_type"`
	DefaultWatering int64  `json:"default_watering"`
}

func (s *HTTPServer) addPlant(c *gin.Context) {
	var req plantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data"})
		return
	}
	id, err := s.garden.AddPlant(c.Request.Context(), entities.Plant{
		Name:            req.Name,
		SensorID:        req.SensorID,
		PlantNum:        req.PlantNum,
		Owner:           req.Owner,
		Location:        req.Location,
		Type:            req.Type,
		DefaultWatering: req.DefaultWatering,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plant_id": id})
}

type detectionRequest struct {
	Humidity *int64 `json:"plant_hum" binding:"required"`
	SensorID int64  `json:"nodemcu_id"`
}

func (s *HTTPServer) addDetection(c *gin.Context) {
	plantID, ok := pathID(c)
	if !ok {
		return
	}
	var req detectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data"})
		return
	}
	detectionID, err := s.garden.AddDetection(c.Request.Context(), plantID, *req.Humidity, req.SensorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"detection_id": detectionID})
}

func (s *HTTPServer) getReadings(c *gin.Context) {
	plantID, ok := pathID(c)
	if !ok {
		return
	}
	readings, err := s.garden.GetReadings(c.Request.Context(), plantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

type waterRequest struct {
	WaterQuantity int64 `json:"water_quantity" binding:"required"`
}

func (s *HTTPServer) addWater(c *gin.Context) {
	plantID, ok := pathID(c)
	if !ok {
		return
	}
	var req waterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data"})
		return
	}
	wateringID, err := s.garden.AddWater(c.Request.Context(), plantID, req.WaterQuantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"watering_id": wateringID})
}

func (s *HTTPServer) ackWatering(c *gin.Context) {
	wateringID, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.garden.AckWatering(c.Request.Context(), wateringID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watering_id": wateringID, "watering_done": true})
}

func (s *HTTPServer) getStatistics(c *gin.Context) {
	plantID, ok := pathID(c)
	if !ok {
		return
	}
	days := defaultStatisticsDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
			return
		}
		days = n
	}
	points, err := s.garden.GetStatistics(c.Request.Context(), plantID, days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *HTTPServer) evaluate(c *gin.Context) {
	recap, err := s.garden.EvaluateWatering(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}

// pathID parses the :id parameter, answering 400 when it is not a positive integer
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors to status codes
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errors.NotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errors.NotValid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// requestLogger logs every request through loggo
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
