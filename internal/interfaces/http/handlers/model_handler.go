package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/service"
)

// ModelHandler serves the model catalog and alias table.
type ModelHandler struct {
	registry *service.ModelRegistry
}

// NewModelHandler creates the handler.
func NewModelHandler(registry *service.ModelRegistry) *ModelHandler {
	return &ModelHandler{registry: registry}
}

// AvailableModels returns the catalog visible to the caller, with the
// cheapest and most advanced entries precomputed.
func (h *ModelHandler) AvailableModels(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.Valid() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid principal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.registry.UserAvailableModels(principal)})
}

// Aliases returns the alias table.
func (h *ModelHandler) Aliases(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.registry.Aliases()})
}

// ModelsWithAliases returns the catalog annotated with every alias pointing
// at each model.
func (h *ModelHandler) ModelsWithAliases(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.Valid() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid principal"})
		return
	}

	catalog := h.registry.UserAvailableModels(principal)
	aliases := h.registry.Aliases()

	byModel := make(map[string][]string)
	for name, info := range aliases {
		byModel[info.ResolvesTo] = append(byModel[info.ResolvesTo], name)
	}

	type annotated struct {
		Model   interface{} `json:"model"`
		Aliases []string    `json:"aliases,omitempty"`
	}
	out := make(map[string]annotated, len(catalog.ModelsByID))
	for id, m := range catalog.ModelsByID {
		out[id] = annotated{Model: m, Aliases: byModel[id]}
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// ResolveAlias resolves one name to a concrete model id.
func (h *ModelHandler) ResolveAlias(c *gin.Context) {
	name := c.Param("name")
	c.JSON(http.StatusOK, gin.H{"data": h.registry.ResolveAlias(name)})
}
