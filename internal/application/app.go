package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/service"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/config"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm"
	_ "github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm/bedrock" // register bedrock adapter factory
	_ "github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm/gemini"  // register gemini adapter factory
	_ "github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/llm/openai"  // register openai and azure adapter factories
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/mcp"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/monitoring"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/persistence"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/rag"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/search"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/tokenizer"
	httpServer "github.com/gaiin-platform/amplify-genai-backend-sub005/internal/interfaces/http"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/interfaces/http/handlers"
)

// App is the dependency-injection container.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// Stores.
	costs    repository.CostStore
	usage    repository.UsageStore
	admin    repository.AdminStore
	accounts repository.AccountStore
	apiKeys  repository.APIKeyStore
	rates    repository.ModelRateStore

	// Domain services.
	registry  *service.ModelRegistry
	limiter   *service.RateLimiter
	tracker   *service.RequestTracker
	llmClient *service.LLMClient
	resolver  *service.DataSourceResolver
	toolLoop  *service.ToolLoop
	workflows *service.WorkflowExecutor
	router    *service.AssistantRouter

	// Infrastructure.
	metrics *monitoring.Metrics
	breaker *llm.BreakerBoard
	mcpReg  *mcp.Registry
	mcpSrvs *mcp.StaticProvider
	counter *tokenizer.Counter

	httpServer *httpServer.Server
}

// NewApp wires the full gateway.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	if err := app.initStores(); err != nil {
		return nil, fmt.Errorf("failed to init stores: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}
	return app, nil
}

func (a *App) initStores() error {
	db, err := persistence.NewDBConnection(a.config.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db
	a.costs = persistence.NewGormCostStore(db)
	a.usage = persistence.NewGormUsageStore(db)
	a.admin = persistence.NewGormAdminStore(db)
	a.accounts = persistence.NewGormAccountStore(db)
	a.apiKeys = persistence.NewGormAPIKeyStore(db)
	a.rates = persistence.NewGormModelRateStore(db)
	return nil
}

func (a *App) initDomainServices() error {
	registry, err := service.NewModelRegistry(a.config.Models.CatalogFile, a.config.Models.AliasFile, a.logger)
	if err != nil {
		return err
	}
	a.registry = registry

	counter, err := tokenizer.Global()
	if err != nil {
		return err
	}
	a.counter = counter

	a.metrics = monitoring.NewMetrics()
	a.breaker = llm.NewBreakerBoard(llm.DefaultBreakerSettings(), a.logger)
	a.mcpReg = mcp.NewRegistry(a.logger)

	mcpServers := make([]mcp.ServerConfig, 0, len(a.config.MCP.Servers))
	for _, s := range a.config.MCP.Servers {
		mcpServers = append(mcpServers, mcp.ServerConfig{
			Name:     s.Name,
			Endpoint: s.Endpoint,
			Headers:  s.Headers,
		})
	}
	a.mcpSrvs = mcp.NewStaticProvider(mcpServers)

	llmClient, err := service.NewLLMClient(a.endpoints(), registry, counter,
		service.NewOverflowCache(), a.breaker, a.logger)
	if err != nil {
		return err
	}
	a.llmClient = llmClient

	var ragClient *rag.Client
	if a.config.RAG.APIBaseURL != "" {
		ragClient = rag.NewClient(a.config.RAG.APIBaseURL, a.logger)
	}
	searchClient := search.NewClient(a.config.Search, a.logger)

	a.limiter = service.NewRateLimiter(a.costs, a.admin, a.logger)
	a.tracker = service.NewRequestTracker()
	a.resolver = service.NewDataSourceResolver(nil, nil, nil, ragClient, llmClient, registry, a.logger)
	a.toolLoop = service.NewToolLoop(llmClient, searchClient, a.mcpReg, a.tracker, a.logger)
	a.workflows = service.NewWorkflowExecutor(llmClient, nil, a.tracker, a.logger)
	a.router = service.NewAssistantRouter(llmClient, a.toolLoop, a.workflows, nil, a.logger)
	return nil
}

// endpoints maps the configured providers onto adapter endpoints. Providers
// with no credential (or region, for Bedrock) are left unconfigured.
func (a *App) endpoints() map[string]llm.Endpoint {
	out := make(map[string]llm.Endpoint)
	p := a.config.Providers

	if p.OpenAI.APIKey != "" {
		out[entity.ProviderOpenAI] = llm.Endpoint{URL: p.OpenAI.URL, Credential: p.OpenAI.APIKey, UseResponsesAPI: p.OpenAI.UseResponsesAPI}
	}
	if p.Azure.APIKey != "" {
		out[entity.ProviderAzure] = llm.Endpoint{URL: p.Azure.URL, Credential: p.Azure.APIKey, APIVersion: p.Azure.APIVersion, UseResponsesAPI: p.Azure.UseResponsesAPI}
	}
	if p.Bedrock.Region != "" {
		out[entity.ProviderBedrock] = llm.Endpoint{Region: p.Bedrock.Region}
	}
	if p.Gemini.APIKey != "" {
		out[entity.ProviderGemini] = llm.Endpoint{URL: p.Gemini.URL, Credential: p.Gemini.APIKey}
	}
	return out
}

func (a *App) initInterfaces() error {
	chat := handlers.NewChatHandler(
		a.registry, a.limiter, a.tracker, a.resolver, a.router,
		a.counter, a.usage, a.rates, a.mcpSrvs, a.metrics, a.logger,
		a.config.Gateway.ExtractionTimeout, a.config.Gateway.RoutingTimeout,
	)
	models := handlers.NewModelHandler(a.registry)
	accounts := handlers.NewAccountHandler(a.accounts)
	auth := httpServer.APIKeyAuth(a.apiKeys, a.logger)

	a.httpServer = httpServer.NewServer(httpServer.Config{
		Host: a.config.Gateway.Host,
		Port: a.config.Gateway.Port,
		Mode: a.config.Gateway.Mode,
	}, chat, models, accounts, auth, a.metrics, a.logger)
	return nil
}

// Start launches the file watchers and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	if err := a.registry.Watch(ctx); err != nil {
		a.logger.Warn("Registry watch disabled", zap.Error(err))
	}
	return a.httpServer.Start()
}

// Stop shuts everything down.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.httpServer.Stop(ctx); err != nil {
		firstErr = err
	}
	a.breaker.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return firstErr
}

// Logger exposes the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }
