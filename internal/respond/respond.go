package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OK writes a 200 success envelope.
func OK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, gin.H{"success": payload})
}

// Created writes a 201 success envelope.
func Created(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, gin.H{"success": payload})
}

// Err writes an error envelope with the given status.
func Err(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// ErrMsg writes an error envelope with a literal message.
func ErrMsg(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
