package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/metrics"
	orderrepo "imobilerepair/internal/repository/order"
	"imobilerepair/internal/service/checkout"
	"imobilerepair/internal/service/settlement"
)

// CheckoutService starts a checkout for a cart.
type CheckoutService interface {
	Start(ctx context.Context, in checkout.StartInput) (*checkout.StartResult, error)
}

// SettlementService confirms payments from either trigger.
type SettlementService interface {
	ConfirmFromClient(ctx context.Context, orderID, sessionID string) (settlement.Result, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (settlement.Result, error)
}

// OrderService backs the operator endpoints.
type OrderService interface {
	List(ctx context.Context, f orderrepo.ListFilter) ([]domain.Order, int, error)
	Get(ctx context.Context, id string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)
	Delete(ctx context.Context, id string) error
}

// AdminService authenticates the operator.
type AdminService interface {
	Login(ctx context.Context, email, password string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// Deps groups the services the router dispatches to.
type Deps struct {
	CheckoutSvc    CheckoutService
	SettlementSvc  SettlementService
	OrderSvc       OrderService
	AdminSvc       AdminService
	AllowedOrigins []string
}

// buildRouter wires routes for the API.
func buildRouter(logger *slog.Logger, db *pgxpool.Pool, deps Deps) (*gin.Engine, error) {
	if deps.CheckoutSvc == nil || deps.SettlementSvc == nil {
		return nil, errors.New("checkout and settlement services are required")
	}
	if deps.OrderSvc == nil || deps.AdminSvc == nil {
		return nil, errors.New("order and admin services are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), metrics.Middleware())
	if len(deps.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  deps.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{requestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/healthz", healthHandler)
	router.GET("/readyz", readyHandler(db))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	h := &handlers{
		checkout:   deps.CheckoutSvc,
		settlement: deps.SettlementSvc,
		orders:     deps.OrderSvc,
		admin:      deps.AdminSvc,
		logger:     logger,
	}

	router.POST("/checkout", h.startCheckout)
	router.GET("/checkout", h.confirmCheckout)
	router.POST("/webhook", h.webhook)
	router.POST("/admin/login", h.login)

	orders := router.Group("/orders", requireAdmin(deps.AdminSvc))
	orders.GET("", h.listOrders)
	orders.GET("/:id", h.getOrder)
	orders.PUT("/:id", h.updateOrderStatus)
	orders.PATCH("/:id", h.updateOrderStatus)
	orders.DELETE("/:id", h.deleteOrder)

	return router, nil
}

type handlers struct {
	checkout   CheckoutService
	settlement SettlementService
	orders     OrderService
	admin      AdminService
	logger     *slog.Logger
}
