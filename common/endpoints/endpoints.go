// Package endpoints serves the admin HTTP surface of a running watcher:
// health, stats, and per-subscription debug information.
package endpoints

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/debuginfo"
)

// DebugSource is usually a *registry.Registry.
type DebugSource interface {
	DebugInformation() []debuginfo.Info
}

type StatScope string

func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	s, _ := stats.NewCustomStatsReceiver(
		stats.NewFinagleStatsRegistry,
		15*time.Second)
	return s.Scope(string(scope))
}

func NewTwitterServer(addr string, stats stats.StatsReceiver, debug DebugSource) *TwitterServer {
	s := &TwitterServer{
		Addr:  addr,
		Stats: stats,
		Debug: debug,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/", helpHandler)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	s.mux.HandleFunc("/admin/subscriptions.json", s.subscriptionsHandler)
	return s
}

type TwitterServer struct {
	Addr  string
	Stats stats.StatsReceiver
	Debug DebugSource

	mux *http.ServeMux
}

func (s *TwitterServer) Handler() http.Handler {
	return s.mux
}

// Serve blocks until ctx is done or the listener fails.
func (s *TwitterServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	log.WithFields(log.Fields{"addr": ln.Addr().String()}).Info("Serving admin http & stats")
	if err := server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/admin/subscriptions.json'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *TwitterServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	pretty := r.URL.Query().Get("pretty") == "true"
	if _, err := w.Write(s.Stats.Render(pretty)); err != nil {
		log.WithFields(log.Fields{"err": err}).Debug("Writing stats")
	}
}

// With ?dump=true every Info, including its last event, is rendered as text.
func (s *TwitterServer) subscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	var infos []debuginfo.Info
	if s.Debug != nil {
		infos = s.Debug.DebugInformation()
	}
	if r.URL.Query().Get("dump") == "true" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		dumps := make([]string, len(infos))
		for i, info := range infos {
			dumps[i] = info.Dump()
		}
		fmt.Fprint(w, strings.Join(dumps, "\n"))
		return
	}
	if infos == nil {
		infos = []debuginfo.Info{}
	}
	b, err := json.Marshal(infos)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(b)
}
