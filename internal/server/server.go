package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"stripe-checkout-service/internal/handler"
	"stripe-checkout-service/internal/middleware"
)

type Server struct {
	echo           *echo.Echo
	paymentHandler *handler.PaymentHandler
	jwtSecret      string
}

func NewServer(paymentHandler *handler.PaymentHandler, jwtSecret string, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:           e,
		paymentHandler: paymentHandler,
		jwtSecret:      jwtSecret,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	orders := api.Group("/orders", middleware.JWTAuth(s.jwtSecret))
	orders.POST("/:orderID/checkout", s.paymentHandler.CreateCheckoutSession)
	orders.GET("/:orderID/payment", s.paymentHandler.GetPayment)

	// webhook deliveries authenticate via signature, not bearer token
	api.POST("/webhooks/stripe", s.paymentHandler.StripeWebhook)
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	})
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown() error {
	return s.echo.Close()
}
