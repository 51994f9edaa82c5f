package tls

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/buildinfo"
)

// BootstrapServer serves the CA certificate over plain HTTP so phones can
// trust the agent before connecting over wss.
type BootstrapServer struct {
	manager    *Manager
	port       int
	hosts      []string
	httpServer *http.Server
	logger     *zap.Logger
}

// NewBootstrapServer creates a server handing out the CA of manager.
func NewBootstrapServer(manager *Manager, port int, hosts []string) *BootstrapServer {
	return &BootstrapServer{
		manager: manager,
		port:    port,
		hosts:   hosts,
		logger:  manager.logger.Named("bootstrap"),
	}
}

// Handler returns the bootstrap routes.
func (s *BootstrapServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ca.pem", s.handleCACert)
	mux.HandleFunc("/ca.crt", s.handleCACert)
	mux.HandleFunc("/", s.handleInstructions)
	return mux
}

// Start listens in the background.
func (s *BootstrapServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("bootstrap listen: %w", err)
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	urls := s.downloadURLs()
	fp, _ := s.manager.CAFingerprint()
	s.logger.Info("CA bootstrap server running", zap.Strings("urls", urls), zap.String("caFingerprint", fp))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Bootstrap server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the bootstrap server down.
func (s *BootstrapServer) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	s.httpServer = nil
}

func (s *BootstrapServer) handleCACert(w http.ResponseWriter, r *http.Request) {
	caCert, err := s.manager.ReadCACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", buildinfo.Name+"-ca.pem"))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(caCert)

	s.logger.Info("CA certificate downloaded", zap.String("remote", r.RemoteAddr))
}

// downloadURLs lists the CA URL for every IP host.
func (s *BootstrapServer) downloadURLs() []string {
	urls := []string{fmt.Sprintf("http://localhost:%d/ca.pem", s.port)}
	for _, h := range s.hosts {
		if h == "localhost" || h == "127.0.0.1" || net.ParseIP(h) == nil {
			continue
		}
		urls = append(urls, fmt.Sprintf("http://%s:%d/ca.pem", h, s.port))
	}
	return urls
}

var instructionsPage = template.Must(template.New("instructions").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}} - Install CA Certificate</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; background: #f5f5f5; }
.card { background: white; border-radius: 12px; padding: 24px; margin-bottom: 16px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); }
.download-btn { display: inline-block; background: #007AFF; color: white; padding: 14px 28px; border-radius: 8px; text-decoration: none; font-weight: 600; }
.fingerprint { font-family: monospace; font-size: 0.75em; background: #f0f0f0; padding: 12px; border-radius: 6px; word-break: break-all; }
</style>
</head>
<body>
<div class="card">
<h1>Install CA Certificate</h1>
<p>Install this certificate authority so your phone can lend its NFC radio to {{.Name}} over a secure connection.</p>
<p style="text-align: center"><a href="/ca.pem" class="download-btn">Download CA Certificate</a></p>
<p><strong>Verify the fingerprint</strong> matches the one in the {{.Name}} logs before trusting it.</p>
<div class="fingerprint">{{.Fingerprint}}</div>
</div>
<div class="card">
<h2>iOS</h2>
<ol>
<li>Tap the download button above</li>
<li>Open <strong>Settings, Profile Downloaded</strong> and tap <strong>Install</strong></li>
<li>Enable full trust under <strong>General, About, Certificate Trust Settings</strong></li>
</ol>
<h2>Android</h2>
<ol>
<li>Tap the download button above</li>
<li>Open <strong>Settings, Security, Encryption &amp; credentials</strong></li>
<li>Choose <strong>Install a certificate, CA certificate</strong> and pick the file</li>
</ol>
</div>
<div class="card">
<h2>Download URLs</h2>
<p style="font-family: monospace">{{range .URLs}}{{.}}<br>{{end}}</p>
</div>
</body>
</html>
`))

func (s *BootstrapServer) handleInstructions(w http.ResponseWriter, r *http.Request) {
	fp, err := s.manager.CAFingerprint()
	if err != nil {
		fp = "unavailable"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = instructionsPage.Execute(w, struct {
		Name        string
		Fingerprint string
		URLs        []string
	}{buildinfo.DisplayName, fp, s.downloadURLs()})
	if err != nil {
		s.logger.Warn("Failed to render instructions", zap.Error(err))
	}
}
