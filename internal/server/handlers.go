package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/roach88/cairn/internal/engine"
	"github.com/roach88/cairn/internal/export"
	"github.com/roach88/cairn/internal/ir"
)

const mimeNDJSON = "application/x-ndjson"

func (s *Server) submitEvent(c echo.Context) error {
	var req ir.SubmitRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	acc, err := s.engine.Submit(c.Request().Context(), principal(c), req)
	if err != nil {
		return writeError(c, err)
	}
	status := http.StatusCreated
	if acc.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, acc)
}

func (s *Server) getAggregate(c echo.Context) error {
	st, err := s.engine.Get(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) queryAggregates(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, err := s.engine.Query(c.Request().Context(), principal(c), engine.Query{
		Site:  c.QueryParam("site"),
		Kind:  ir.AggregateKind(c.QueryParam("kind")),
		After: c.QueryParam("after"),
		Limit: int(limit),
	})
	if err != nil {
		return writeError(c, err)
	}
	if page.Items == nil {
		page.Items = []ir.State{}
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) readEvents(c echo.Context) error {
	from, err := intParam(c, "from", 1)
	if err != nil {
		return badRequest(c, err.Error())
	}
	events, err := s.engine.ReadEvents(c.Request().Context(), principal(c), c.Param("id"), from)
	if err != nil {
		return writeError(c, err)
	}
	out := []ir.Event{}
	for ev, err := range events {
		if err != nil {
			return writeError(c, err)
		}
		out = append(out, ev)
	}
	return c.JSON(http.StatusOK, out)
}

// subscribe streams events as NDJSON until the client goes away. Errors
// after the first byte end the stream; the client resumes from its last seq.
func (s *Server) subscribe(c echo.Context) error {
	after, err := intParam(c, "after_seq", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx := c.Request().Context()
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, mimeNDJSON)
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	enc := json.NewEncoder(res)
	for ev, err := range s.engine.Subscribe(ctx, principal(c), after) {
		if err != nil {
			if ctx.Err() == nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return nil
		}
		res.Flush()
	}
	return nil
}

// export streams an archive: one canonical line per event, then the
// manifest. A stream cut short has no manifest and fails verification.
func (s *Server) export(c echo.Context) error {
	from, err := timeParam(c, "from")
	if err != nil {
		return badRequest(c, err.Error())
	}
	to, err := timeParam(c, "to")
	if err != nil {
		return badRequest(c, err.Error())
	}
	p := principal(c)
	ctx := c.Request().Context()
	req := engine.ExportRequest{AggregateID: c.QueryParam("aggregate"), From: from, To: to}

	// Surface authorization failures before committing to a 200.
	if req.AggregateID != "" {
		if _, _, err := s.engine.Authorize(ctx, p, ir.OpRead, req.AggregateID); err != nil {
			return writeError(c, err)
		}
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, mimeNDJSON)
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="export.ndjson"`)
	res.WriteHeader(http.StatusOK)
	_, err = export.Write(res, s.engine.Export(ctx, p, req), export.Manifest{
		TenantID:    p.TenantID,
		RequestedBy: p.UserID,
		AggregateID: req.AggregateID,
		From:        from,
		To:          to,
		CreatedAt:   s.engine.Now(),
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

func (s *Server) createGrant(c echo.Context) error {
	var req engine.GrantRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	g, err := s.engine.Grant(c.Request().Context(), principal(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (s *Server) revokeGrant(c echo.Context) error {
	g, err := s.engine.Revoke(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) listGrants(c echo.Context) error {
	includeRevoked, _ := strconv.ParseBool(c.QueryParam("include_revoked"))
	grants, err := s.engine.ListGrants(c.Request().Context(), principal(c), c.QueryParam("user"), includeRevoked)
	if err != nil {
		return writeError(c, err)
	}
	if grants == nil {
		grants = []ir.AccessGrant{}
	}
	return c.JSON(http.StatusOK, grants)
}

// verifyAggregate replays one aggregate on demand. Only auditors and admins
// may trigger it, and only for aggregates they can read.
func (s *Server) verifyAggregate(c echo.Context) error {
	p := principal(c)
	if p.Role != ir.RoleAuditor && p.Role != ir.RoleAdmin {
		return writeError(c, ir.NewPolicyDenied(c.Param("id"), "verification requires the auditor or admin role"))
	}
	if s.validator == nil {
		return writeError(c, ir.NewTransientIO("verification unavailable", nil))
	}
	ctx := c.Request().Context()
	if _, _, err := s.engine.Authorize(ctx, p, ir.OpRead, c.Param("id")); err != nil {
		return writeError(c, err)
	}
	res, err := s.validator.Verify(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func intParam(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}
