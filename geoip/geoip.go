// Package geoip resolves request IPs to country codes for policy
// conditions and the audit trail. Resolution is advisory: a failed
// lookup yields an empty code and the request proceeds without the
// attribute.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client looks up country codes through the ip-api.com service.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a lookup client with a bounded request timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type lookupResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	Message     string `json:"message"`
}

// LookupCountry returns the ISO 3166-1 alpha-2 country code for an IP
// address, or "" when the lookup fails. A private or empty IP resolves
// through the server's own public address, which keeps local
// deployments working.
func (c *Client) LookupCountry(ctx context.Context, ip string) string {
	ip = strings.TrimSpace(ip)

	var url string
	if ip == "" || isPrivateIP(ip) {
		url = "http://ip-api.com/json/?fields=status,countryCode,message"
	} else {
		url = fmt.Sprintf("http://ip-api.com/json/%s?fields=status,countryCode,message", ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var result lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ""
	}
	if result.Status != "success" {
		return ""
	}
	return result.CountryCode
}

func isPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() {
		return true
	}
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// GetClientIP extracts the originating client IP, honoring the
// X-Forwarded-For and X-Real-IP headers set by proxies before falling
// back to the connection's remote address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
