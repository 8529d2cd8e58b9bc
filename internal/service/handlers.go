package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/transfer"
	"github.com/onexay/forge/internal/types"
)

const (
	headerPrincipalID   = "X-Principal-ID"
	headerOperationKind = "X-Operation-Kind"
	headerDefaultBranch = "X-Default-Branch"

	principalKey = "principal"
	operationKey = "operation"
)

// Register mounts the REST routes on e.
func Register(e *echo.Echo, svc *Service) {
	e.GET("/api/v1/swagger/*", svc.handleSwagger)

	api := e.Group("/api/v1")
	api.Use(requirePrincipal())
	{
		api.POST("/repos", svc.handleCreateRepository)   // POST /api/v1/repos
		api.GET("/repos", svc.handleGetRepositories)     // GET /api/v1/repos[?name=acme/widgets]
		api.DELETE("/repos", svc.handleDeleteRepository) // DELETE /api/v1/repos?name=acme/widgets
		api.GET("/refs", svc.handleListRefs)             // GET /api/v1/refs?name=acme/widgets
		api.POST("/push", svc.handlePush)                // POST /api/v1/push?name=acme/widgets
		api.POST("/pull", svc.handlePull)                // POST /api/v1/pull?name=acme/widgets
		api.GET("/objects/:hash", svc.handleGetObject)   // GET /api/v1/objects/{hash}?name=acme/widgets
		api.GET("/transfers", svc.handleListTransfers)   // GET /api/v1/transfers?name=acme/widgets&limit=20
	}
}

// requirePrincipal rejects requests without a principal. Authorization has
// already happened upstream; the principal is kept for audit only.
func requirePrincipal() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal := strings.TrimSpace(c.Request().Header.Get(headerPrincipalID))
			if principal == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": headerPrincipalID + " header is required",
				})
			}
			c.Set(principalKey, principal)

			if op := strings.TrimSpace(c.Request().Header.Get(headerOperationKind)); op != "" {
				switch types.Operation(op) {
				case types.OperationPush, types.OperationPull, types.OperationAdmin, types.OperationDelete:
					c.Set(operationKey, types.Operation(op))
				default:
					return c.JSON(http.StatusBadRequest, map[string]string{
						"error": "unknown " + headerOperationKind + " " + op,
					})
				}
			}
			return next(c)
		}
	}
}

func provenance(c echo.Context, slug string, def types.Operation) types.Provenance {
	prov := types.Provenance{Slug: slug, Operation: def}
	if principal, ok := c.Get(principalKey).(string); ok {
		prov.PrincipalID = principal
	}
	if op, ok := c.Get(operationKey).(types.Operation); ok {
		prov.Operation = op
	}
	return prov
}

func missingName(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "name query parameter required"})
}

func (s *Service) handleCreateRepository(c echo.Context) error {
	var req CreateRepositoryRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}
	repo, err := s.CreateRepository(c.Request().Context(), provenance(c, req.Name, types.OperationAdmin), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, repo)
}

func (s *Service) handleGetRepositories(c echo.Context) error {
	if name := c.QueryParam("name"); name != "" {
		repo, err := s.GetRepository(c.Request().Context(), name)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, repo)
	}
	repos, err := s.ListRepositories(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, repos)
}

func (s *Service) handleDeleteRepository(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return missingName(c)
	}
	if err := s.DeleteRepository(c.Request().Context(), provenance(c, name, types.OperationDelete), name); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) handleListRefs(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return missingName(c)
	}
	resp, err := s.ListRefs(c.Request().Context(), name)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Service) handlePush(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return missingName(c)
	}
	req := c.Request()

	// Bound the socket reads as well, so a stalled client cannot pin the
	// decoder past the receive timeout. Recorders do not support deadlines.
	if timeout := s.cfg.Push.ReceiveTimeout; timeout > 0 {
		rc := http.NewResponseController(c.Response().Writer)
		if err := rc.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
		}
	}

	res := s.transfer.Push(req.Context(), provenance(c, name, types.OperationPush), req.Body)
	// Drain a bounded tail so the connection can be reused after a rejection.
	_, _ = io.CopyN(io.Discard, req.Body, 64<<10)

	if res.Reason == transfer.ReasonBusy {
		c.Response().Header().Set("Retry-After", "1")
	}
	return c.JSON(statusFor(res.Reason), res)
}

func (s *Service) handlePull(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return missingName(c)
	}
	ctx := c.Request().Context()

	var req transfer.PullRequest
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unable to read request body"})
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		}
	}

	result, err := s.transfer.Pull(ctx, provenance(c, name, types.OperationPull), req)
	if err != nil {
		return writeError(c, err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, transfer.ContentTypePack)
	if branch := s.defaultBranch(ctx, name); branch != "" {
		resp.Header().Set(headerDefaultBranch, branch)
	}
	resp.WriteHeader(http.StatusOK)
	if err := result.WritePack(ctx, resp); err != nil {
		// Headers are gone; the missing terminator tells the client.
		s.logger.Error("pull stream aborted", "slug", name, "sent", result.Stream.Sent(), "error", err)
	}
	return nil
}

func (s *Service) handleGetObject(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return missingName(c)
	}
	raw, err := s.transfer.GetObject(c.Request().Context(), name, c.Param("hash"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, raw)
}

func (s *Service) handleListTransfers(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return missingName(c)
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		}
		limit = n
	}
	records, err := s.ListTransfers(c.Request().Context(), name, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

// statusFor maps a transfer reason to its HTTP status.
func statusFor(reason transfer.Reason) int {
	switch reason {
	case transfer.ReasonNone:
		return http.StatusOK
	case transfer.ReasonRefConflict:
		return http.StatusConflict
	case transfer.ReasonPayloadTooLarge, transfer.ReasonObjectTooLarge:
		return http.StatusRequestEntityTooLarge
	case transfer.ReasonHashMismatch, transfer.ReasonMalformedObject, transfer.ReasonMissingObject:
		return http.StatusUnprocessableEntity
	case transfer.ReasonInvalidSlug, transfer.ReasonInvalidRequest:
		return http.StatusBadRequest
	case transfer.ReasonNotFound:
		return http.StatusNotFound
	case transfer.ReasonBusy:
		return http.StatusServiceUnavailable
	case transfer.ReasonTimeout, transfer.ReasonCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, err error) error {
	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, map[string]string{"error": conflict.Error()})
	}

	reason := transfer.Classify(err)
	if reason == transfer.ReasonBusy {
		c.Response().Header().Set("Retry-After", "1")
	}
	return c.JSON(statusFor(reason), map[string]string{
		"error":  err.Error(),
		"reason": string(reason),
	})
}
