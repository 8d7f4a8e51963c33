package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Routes bundles everything the HTTP surface needs.
type Routes struct {
	Purchases    *PurchaseHandler
	Mpesa        *MpesaHandler
	Transactions *TransactionHandler
	DB           *gorm.DB
	Gatherer     prometheus.Gatherer
	OperatorAuth echo.MiddlewareFunc
}

// Register mounts all routes on e.
func (r Routes) Register(e *echo.Echo) {
	e.GET("/healthz", r.health)
	if r.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})))
	}

	e.POST("/purchases", r.Purchases.CreatePurchase)
	e.GET("/transactions/:id", r.Transactions.GetStatus)
	e.POST("/mpesa/callback", r.Mpesa.Callback)

	admin := e.Group("/admin")
	if r.OperatorAuth != nil {
		admin.Use(r.OperatorAuth)
	}
	admin.GET("/transactions", r.Transactions.ListTransactions)
}

func (r Routes) health(c echo.Context) error {
	if r.DB != nil {
		sqlDB, err := r.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request().Context())
		}
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
