package mockidp

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type requestCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type verifyCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	Success          bool      `json:"success"`
	Message          string    `json:"message,omitempty"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	ExpiresIn        int       `json:"expires_in"`
	TokenType        string    `json:"token_type"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
}

func (s *Server) handleRequestCode(c *gin.Context) {
	var req requestCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PhoneNumber) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "phone_number is required"})
		return
	}

	s.mu.Lock()
	s.codes[strings.TrimSpace(req.PhoneNumber)] = s.devCode
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "code sent"})
}

func (s *Server) handleVerifyCode(c *gin.Context) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)

	s.mu.Lock()
	expected, requested := s.codes[phone]
	if !requested {
		expected = s.devCode
	}
	ok := phone != "" && req.Code == expected
	if ok {
		delete(s.codes, phone)
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "invalid code"})
		return
	}

	pair, err := s.issuePair(phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay, failStatus := s.refreshDelay, s.failStatus
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			return
		}
	}
	if failStatus != 0 {
		c.JSON(failStatus, gin.H{"error": "temporarily_unavailable"})
		return
	}

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	now := s.now()
	s.mu.Lock()
	rec, found := s.refresh[req.RefreshToken]
	if !found || rec.revoked || !now.Before(rec.expiresAt) {
		s.mu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_grant",
			"error_description": "refresh token is invalid, expired or revoked",
		})
		return
	}

	resp := tokenPairResponse{Success: true, TokenType: "Bearer"}
	if !s.fixedRefresh {
		rec.revoked = true
		resp.RefreshToken, resp.RefreshExpiresAt = s.newRefreshLocked(rec.phone, now)
	}
	phone := rec.phone
	s.mu.Unlock()

	access, accessExp, err := s.signAccess(phone, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	resp.AccessToken = access
	resp.AccessExpiresAt = accessExp
	resp.ExpiresIn = int(s.accessTTL / time.Second)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requireAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "missing bearer token"})
			return
		}
		claims, err := s.verifyAccess(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": err.Error()})
			return
		}
		c.Set("phone", claims.Subject)
		c.Next()
	}
}

func (s *Server) handleMe(c *gin.Context) {
	s.apiCalls.Add(1)
	c.JSON(http.StatusOK, gin.H{
		"phone_number": c.GetString("phone"),
		"request_id":   c.GetHeader("X-Request-ID"),
	})
}

func (s *Server) issuePair(phone string) (*tokenPairResponse, error) {
	now := s.now()
	access, accessExp, err := s.signAccess(phone, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	refresh, refreshExp := s.newRefreshLocked(phone, now)
	s.mu.Unlock()

	return &tokenPairResponse{
		Success:          true,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		ExpiresIn:        int(s.accessTTL / time.Second),
		TokenType:        "Bearer",
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}
