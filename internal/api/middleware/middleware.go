// Package middleware provides HTTP middleware for the record store server.
package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/lemlab/verifier/internal/dto"
	"github.com/lemlab/verifier/internal/logger"
)

// RequestIDHeader carries the client's request id, echoed back on responses
const RequestIDHeader = echo.HeaderXRequestID

// NewRequestLogger logs one line per request with the request id
func NewRequestLogger(log logger.Logger, skipper echomw.Skipper) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		Skipper:      skipper,
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			if log == nil {
				return nil
			}
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
				logger.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			if v.Status >= http.StatusInternalServerError {
				log.Warn("request", fields...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}

// NewRequestID keeps a client supplied X-Request-ID or generates one
func NewRequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		TargetHeader: RequestIDHeader,
	})
}

// NewRateLimiter limits requests per client IP. A non-positive
// requestsPerSecond disables limiting.
func NewRateLimiter(requestsPerSecond float64) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(echo.Context) bool { return requestsPerSecond <= 0 },
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(
			echomw.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(requestsPerSecond),
				Burst:     burstFor(requestsPerSecond),
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, dto.NewErrorResponse(err, "unable to identify client", http.StatusForbidden))
		},
		DenyHandler: func(c echo.Context, _ string, err error) error {
			return c.JSON(http.StatusTooManyRequests,
				dto.NewErrorResponse(err, "too many requests, please slow down", http.StatusTooManyRequests))
		},
	})
}

func burstFor(requestsPerSecond float64) int {
	burst := int(requestsPerSecond * 2)
	if burst < 1 {
		return 1
	}
	return burst
}
