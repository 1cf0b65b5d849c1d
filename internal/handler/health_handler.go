package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	serviceName    = "travel-vault"
	serviceVersion = "0.1.0"
)

// Health 是存活检查接口。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"status":  "running",
		"version": serviceVersion,
	})
}
