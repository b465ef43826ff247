package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
)

// AccountHandler serves the caller's chargeable accounts.
type AccountHandler struct {
	accounts repository.AccountStore
}

// NewAccountHandler creates the handler.
func NewAccountHandler(accounts repository.AccountStore) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// List returns the accounts the caller may bill requests to.
func (h *AccountHandler) List(c *gin.Context) {
	principal := principalFrom(c)
	if !principal.Valid() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid principal"})
		return
	}

	accounts, err := h.accounts.Accounts(c.Request.Context(), principal.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": accounts})
}
