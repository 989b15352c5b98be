package possync

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/soporte-collab/informes-sub003/mergestore"
	"github.com/soporte-collab/informes-sub003/models"
	"github.com/soporte-collab/informes-sub003/reports"
	"github.com/soporte-collab/informes-sub003/tunnel"
	"github.com/soporte-collab/informes-sub003/utils"
)

// API is the HTTP surface of the sync service. Calls that need the upstream
// go through the tunnel; reads of stored collections do not.
type API struct {
	Caller  *tunnel.Caller
	Store   tunnel.Store
	Worker  *tunnel.Worker
	Service *Service
}

func (a *API) Routes(r gin.IRouter) {
	r.POST("/api/tunnel/call", a.CallHandler())
	r.GET("/api/collections/:name", a.CollectionHandler())
	r.GET("/api/sales/enriched", a.EnrichedSalesHandler())
	r.GET("/api/sales/enriched.xlsx", a.EnrichedSalesExportHandler())
	r.GET("/api/sync/runs", a.SyncHistoryHandler())
	r.GET("/api/sync/runs/:id/errors", a.SyncRunErrorsHandler())
	r.POST("/pubsub/tunnel", a.PushHandler())
}

// PushHandler resolves the store and worker per request, so routes can be
// registered before the service is wired.
func (a *API) PushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tunnel.PushHandler(a.Store, a.Worker)(c)
	}
}

// CallHandler forwards a request through the tunnel: 200 with the data,
// 502 when the worker answered ERROR, 504 when nobody answered in time.
func (a *API) CallHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		data, err := a.Caller.Call(c.Request.Context(), req.Kind, req.Payload, req.Target)
		var remote *tunnel.RemoteError
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": tunnel.StatusSuccess, "data": data})
		case errors.Is(err, tunnel.ErrCallerTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"status": tunnel.StatusError, "message": err.Error()})
		case errors.As(err, &remote):
			c.JSON(http.StatusBadGateway, gin.H{"status": tunnel.StatusError, "message": remote.Message})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"status": tunnel.StatusError, "message": err.Error()})
		}
	}
}

func (a *API) CollectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := a.Service.LoadCollection(c.Request.Context(), CollectionLoadPayload{Name: c.Param("name")})
		if errors.Is(err, mergestore.ErrUnknownCollection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func enrichQuery(c *gin.Context) EnrichSalesPayload {
	return EnrichSalesPayload{
		DateFrom: c.Query("from"),
		DateTo:   c.Query("to"),
		Branch:   c.Query("branch"),
	}
}

func (a *API) EnrichedSalesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := a.Service.EnrichSales(c.Request.Context(), enrichQuery(c))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (a *API) EnrichedSalesExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := a.Service.EnrichSales(c.Request.Context(), enrichQuery(c))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reports.ExportEnrichedSales(c.Writer, "enriched-sales.xlsx", res.Records, res.Summary)
	}
}

func (a *API) SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Service.DB == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run log disabled"})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		runs, err := models.ListSyncRuns(c.Request.Context(), a.Service.DB, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": runs})
	}
}

func (a *API) SyncRunErrorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Service.DB == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run log disabled"})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		errs, err := models.ListSyncRunErrors(c.Request.Context(), a.Service.DB, uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": errs})
	}
}
