package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/lemlab/verifier/internal/datastore"
	"github.com/lemlab/verifier/internal/dto"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
)

// Maximum page size for list requests
const maxListLimit = 500

func cacheKey(id uint64) string {
	return "verification:" + strconv.FormatUint(id, 10)
}

// GetVerification handles GET /verification/:id
func (s *Server) GetVerification(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	start := time.Now()
	key := cacheKey(id)
	if cached, found := s.cache.Get(key); found {
		s.metrics.RecordCache(true)
		s.metrics.RecordOperation("get", "success", time.Since(start))
		return c.JSON(http.StatusOK, cached)
	}
	s.metrics.RecordCache(false)

	// Concurrent misses for the same record share one database read
	result, err, _ := s.flight.Do(key, func() (any, error) {
		v, err := s.store.Get(context.WithoutCancel(c.Request().Context()), id)
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, v, cache.DefaultExpiration)
		return v, nil
	})
	s.metrics.RecordOperation("get", statusLabel(err), time.Since(start))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// CreateVerification handles POST /verification/
func (s *Server) CreateVerification(c echo.Context) error {
	var v dto.Verification
	if err := c.Bind(&v); err != nil {
		return err
	}
	if err := validateBody(v); err != nil {
		return err
	}

	start := time.Now()
	created, err := s.store.Create(c.Request().Context(), v)
	s.metrics.RecordOperation("create", statusLabel(err), time.Since(start))
	if err != nil {
		return err
	}
	s.cache.Set(cacheKey(*created.ID), created, cache.DefaultExpiration)
	s.log.Info("verification created",
		logger.Uint64("id", *created.ID),
		logger.String("number", created.Number),
		logger.Int("specimens", len(created.Specimens)))
	return c.JSON(http.StatusCreated, created)
}

// UpdateVerification handles PUT /verification/:id. The record is replaced
// entirely; last write wins.
func (s *Server) UpdateVerification(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var v dto.Verification
	if err := c.Bind(&v); err != nil {
		return err
	}
	if v.ID != nil && *v.ID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "body id does not match path id")
	}
	if err := validateBody(v); err != nil {
		return err
	}

	start := time.Now()
	key := cacheKey(id)
	s.cache.Delete(key)
	updated, err := s.store.Update(c.Request().Context(), id, v)
	s.metrics.RecordOperation("update", statusLabel(err), time.Since(start))
	if err != nil {
		return err
	}
	s.cache.Set(key, updated, cache.DefaultExpiration)
	s.log.Debug("verification updated",
		logger.Uint64("id", id),
		logger.Int("specimens", len(updated.Specimens)))
	return c.JSON(http.StatusOK, updated)
}

// DeleteVerification handles DELETE /verification/:id
func (s *Server) DeleteVerification(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	start := time.Now()
	s.cache.Delete(cacheKey(id))
	err = s.store.Delete(c.Request().Context(), id)
	s.metrics.RecordOperation("delete", statusLabel(err), time.Since(start))
	if err != nil {
		return err
	}
	s.log.Info("verification deleted", logger.Uint64("id", id))
	return c.NoContent(http.StatusNoContent)
}

// ListVerifications handles GET /verification/?skip=&limit=
func (s *Server) ListVerifications(c echo.Context) error {
	skip, err := queryInt(c, "skip", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", datastore.DefaultListLimit)
	if err != nil {
		return err
	}
	if skip < 0 || limit < 1 || limit > maxListLimit {
		return echo.NewHTTPError(http.StatusBadRequest, "skip must be >= 0 and limit between 1 and 500")
	}

	start := time.Now()
	list, err := s.store.List(c.Request().Context(), skip, limit)
	s.metrics.RecordOperation("list", statusLabel(err), time.Since(start))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func parseID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid verification id")
	}
	return id, nil
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" parameter")
	}
	return n, nil
}

// validateBody checks what the store itself requires. Business rules such as
// a non-empty verification number are enforced by the editor, not here.
func validateBody(v dto.Verification) error {
	seen := make(map[int]struct{}, len(v.Specimens))
	for _, s := range v.Specimens {
		if s.ItemNumber < 1 {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "item_numero must be positive")
		}
		if _, dup := seen[s.ItemNumber]; dup {
			return echo.NewHTTPError(http.StatusUnprocessableEntity,
				"duplicate item_numero "+strconv.Itoa(s.ItemNumber))
		}
		seen[s.ItemNumber] = struct{}{}
	}
	return nil
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, datastore.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// handleError renders every failure as dto.ErrorResponse
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
		if he.Internal != nil {
			err = he.Internal
		}
	case errors.Is(err, datastore.ErrNotFound):
		code = http.StatusNotFound
		message = "verification not found"
	case errors.IsCategory(err, errors.CategoryTimeout):
		code = http.StatusGatewayTimeout
		message = "database timeout"
	}

	if code >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("method", c.Request().Method),
			logger.String("path", c.Path()),
			logger.Error(err))
	}

	resp := dto.NewErrorResponse(err, message, code)
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.log.Warn("failed to write error response", logger.Error(err))
	}
}
