package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FetchFingerprint connects to a host and returns the SHA256 fingerprint of
// its TLS certificate. Used for TOFU when an operator pins a self-signed
// endpoint instead of disabling verification entirely.
func FetchFingerprint(host string) (string, error) {
	targetHost := host
	if strings.HasPrefix(host, "https://") || strings.HasPrefix(host, "http://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("failed to parse host URL: %w", err)
		}
		targetHost = parsed.Host
	}

	// Proxmox VE listens on 8006 unless told otherwise
	if _, _, err := net.SplitHostPort(targetHost); err != nil {
		targetHost = targetHost + ":8006"
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", targetHost, &tls.Config{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", targetHost, err)
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("no certificates presented by %s", targetHost)
	}

	fingerprint := sha256.Sum256(certs[0].Raw)
	return hex.EncodeToString(fingerprint[:]), nil
}

// FingerprintVerifier creates a TLS config that verifies the server
// certificate against a pinned SHA256 fingerprint.
func FingerprintVerifier(fingerprint string) *tls.Config {
	expected := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))

	return &tls.Config{
		InsecureSkipVerify: true, // verification happens against the pin below
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificates presented by server")
			}

			sum := sha256.Sum256(rawCerts[0])
			actual := hex.EncodeToString(sum[:])
			if actual != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s",
					expected, actual)
			}
			return nil
		},
	}
}

// CreateHTTPClient creates an HTTP client with appropriate TLS configuration.
func CreateHTTPClient(verifySSL bool, fingerprint string) *http.Client {
	return CreateHTTPClientWithTimeout(verifySSL, fingerprint, 10*time.Second)
}

// CreateHTTPClientWithTimeout creates an HTTP client with appropriate TLS
// configuration and a custom overall timeout. Self-signed certificates are
// the norm for the clusters this talks to, so verifySSL=false with no
// fingerprint falls back to encrypted-but-unverified transport.
func CreateHTTPClientWithTimeout(verifySSL bool, fingerprint string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		DialContext:           DialContextWithCache,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if !verifySSL && fingerprint == "" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else if fingerprint != "" {
		transport.TLSClientConfig = FingerprintVerifier(fingerprint)
	}
	// else: default secure mode with system CA verification

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
