package api

import (
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/gin-gonic/gin"
)

// runCallsHandler runs one scheduled-call tick synchronously.
func (s *Server) runCallsHandler(c *gin.Context) {
	res, err := s.deps.Calls.RunDueCalls(c.Request.Context())
	if res == nil {
		loggerFrom(c.Request.Context()).Error("Server.runCallsHandler: tick failed", "error", err)
		writeJSONResponse(c.Writer, http.StatusInternalServerError, models.Error("Failed to run scheduled calls"))
		return
	}
	if err != nil {
		// Per-row failures are already recorded on the rows themselves.
		loggerFrom(c.Request.Context()).Warn("Server.runCallsHandler: some calls failed", "error", err, "failed", res.Failed)
		writeJSONResponse(c.Writer, http.StatusOK, models.SuccessWithMessage("completed with failures", res))
		return
	}
	writeJSONResponse(c.Writer, http.StatusOK, models.Success(res))
}

// runAnalyzersHandler runs every derived-state pass synchronously.
func (s *Server) runAnalyzersHandler(c *gin.Context) {
	results, err := s.deps.Analyzer.RunAll(c.Request.Context())
	if err != nil {
		loggerFrom(c.Request.Context()).Warn("Server.runAnalyzersHandler: some passes failed", "error", err)
		writeJSONResponse(c.Writer, http.StatusOK, models.SuccessWithMessage("completed with failures", results))
		return
	}
	writeJSONResponse(c.Writer, http.StatusOK, models.Success(results))
}
