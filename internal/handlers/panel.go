package handlers

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed admin.html
var adminPanelHTML []byte

// AdminPanel serves the embedded single-page admin console. The page
// itself is public; every call it makes goes through the bearer
// middleware.
func AdminPanel(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", adminPanelHTML)
}
