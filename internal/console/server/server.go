package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/console/handler"
	"github.com/xela07ax/aml-control-plane/internal/console/service"
	"github.com/xela07ax/aml-control-plane/internal/infra"
	"github.com/xela07ax/aml-control-plane/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Сервис консоли: выпуск и проверка RS256 токенов
	authService *service.AuthService

	// Обработчики бизнес-доменов
	authHandler      *handler.AuthHandler      // /auth/token
	authorizeHandler *handler.AuthorizeHandler // /v1/authorize (агенты)
	budgetHandler    *handler.BudgetHandler    // /v1/budgets
	groupHandler     *handler.GroupHandler     // /v1/groups
	policyHandler    *handler.PolicyHandler    // /v1/policies
	approvalHandler  *handler.ApprovalHandler  // /v1/approvals (HITL)
	auditHandler     *handler.AuditHandler     // /v1/audit (Compliance)
}

// NewConsoleServer инициализирует сервер контрол-плейна со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	authService *service.AuthService,
	authH *handler.AuthHandler,
	authorizeH *handler.AuthorizeHandler,
	budgetH *handler.BudgetHandler,
	groupH *handler.GroupHandler,
	policyH *handler.PolicyHandler,
	approvalH *handler.ApprovalHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		cfg:              cfg,
		authService:      authService,
		authHandler:      authH,
		authorizeHandler: authorizeH,
		budgetHandler:    budgetH,
		groupHandler:     groupH,
		policyHandler:    policyH,
		approvalHandler:  approvalH,
		auditHandler:     auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authService, s.logger))

		// Вход бизнес-агентов: проверка действия перед исполнением
		r.Post("/v1/authorize", s.authorizeHandler.Authorize)

		// Казначейство (бюджеты групп)
		r.Route("/v1/budgets", func(r chi.Router) {
			r.Get("/", s.budgetHandler.List)
			r.Post("/", s.budgetHandler.Create)
			r.Get("/{group}", s.budgetHandler.Get)
		})

		// Реестр автономии (уровни, аварийные состояния, KPI)
		r.Route("/v1/groups", func(r chi.Router) {
			r.Get("/", s.groupHandler.List)
			r.Post("/", s.groupHandler.Register)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.groupHandler.Get)
				r.Post("/promote", s.groupHandler.Promote)
				r.Post("/demote", s.groupHandler.Demote)
				r.Post("/pause", s.groupHandler.Pause)
				r.Post("/resume", s.groupHandler.Resume)
				r.Post("/kill", s.groupHandler.Kill)             // Kill-switch
				r.Post("/kill/clear", s.groupHandler.ClearKill)  // Явный сброс
				r.Post("/metrics", s.groupHandler.UpdateMetrics) // KPI-поток
				r.Put("/kpi", s.groupHandler.SetKPIConditions)
			})
		})

		// Управление Политиками (Policy Engine)
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Post("/", s.policyHandler.Create)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Post("/enabled", s.policyHandler.SetEnabled)
				r.Delete("/", s.policyHandler.Delete)
			})
		})

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Очередь запросов на подпись
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Post("/decide", s.approvalHandler.Decide) // Approve/Reject + Redis Publish
			})
		})

		// Аудит (Compliance-выгрузки)
		r.Route("/v1/audit", func(r chi.Router) {
			r.Get("/changes", s.auditHandler.GetChanges)
			r.Get("/transactions", s.auditHandler.GetTransactions)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
