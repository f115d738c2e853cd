package adminapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ipGuard restricts the admin group to localhost plus an operator-configured
// whitelist of IPs or CIDR ranges, the same loopback-or-whitelist check the
// reference backend applied to its sensitive internal routes. It runs ahead
// of JWT auth so an unauthorized network position never even reaches the
// login or token check.
type ipGuard struct {
	logger     *logrus.Logger
	allowedIPs []string
}

func newIPGuard(logger *logrus.Logger, allowedIPs []string) *ipGuard {
	return &ipGuard{logger: logger, allowedIPs: allowedIPs}
}

func (g *ipGuard) restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if g.isAllowed(clientIP) {
			c.Next()
			return
		}

		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		if remoteIP != clientIP && isLoopback(remoteIP) {
			c.Next()
			return
		}

		g.logger.WithFields(logrus.Fields{
			"client_ip": clientIP,
			"remote_ip": remoteIP,
			"path":      c.Request.URL.Path,
		}).Warn("adminapi: rejected request from disallowed IP")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "this endpoint is not reachable from your network position"})
	}
}

func (g *ipGuard) isAllowed(ip string) bool {
	if isLoopback(ip) {
		return true
	}
	if len(g.allowedIPs) == 0 {
		return false
	}

	parsed := net.ParseIP(ip)
	for _, allowed := range g.allowedIPs {
		allowed = strings.TrimSpace(allowed)
		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				g.logger.WithFields(logrus.Fields{"cidr": allowed, "error": err}).Warn("adminapi: invalid CIDR in admin.allowedIps")
				continue
			}
			if parsed != nil && ipNet.Contains(parsed) {
				return true
			}
			continue
		}
		if ip == allowed {
			return true
		}
	}
	return false
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip == "localhost"
	}
	return parsed.IsLoopback()
}
