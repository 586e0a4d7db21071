package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/immxrtalbeast/teleconsult/internal/api/http/converter"
	"github.com/immxrtalbeast/teleconsult/internal/repository"
	"github.com/immxrtalbeast/teleconsult/internal/service"
)

const defaultCallsLimit = 50

type CallController struct {
	calls service.CallInteractor
}

func NewCallController(calls service.CallInteractor) *CallController {
	return &CallController{calls: calls}
}

func (c *CallController) ListCalls(ctx *gin.Context) {
	limit := defaultCallsLimit
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	calls, err := c.calls.ListCalls(ctx.Request.Context(), ctx.Query("room"), limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"calls": converter.CallsToApi(calls)})
}

func (c *CallController) GetCall(ctx *gin.Context) {
	callID, err := uuid.Parse(ctx.Param("callID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid call id"})
		return
	}

	call, err := c.calls.GetCall(ctx.Request.Context(), callID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrCallNotFound) {
			status = http.StatusNotFound
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"call": converter.CallToApi(call)})
}
