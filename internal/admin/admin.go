// Package admin serves the service manager's HTTP debug surface: health,
// metrics, the registry listing and the config-changed broadcast.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/hwbinder/internal/auth"
	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/danmuck/hwbinder/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Admin struct {
	proc      *binder.Process
	server    *remote.Server
	addr      string
	router    *gin.Engine
	started   time.Time
	validator auth.Validator
}

type Option func(*Admin)

// WithValidator guards mutating routes with a bearer token check.
func WithValidator(v auth.Validator) Option {
	return func(a *Admin) {
		a.validator = v
	}
}

// New builds the router. server may be nil when the process does not
// accept binder connections.
func New(proc *binder.Process, server *remote.Server, addr string, corsOrigins []string, opts ...Option) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin", proc.Name())))
	r.Use(observability.RequestMetricsMiddleware(proc.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		proc:    proc,
		server:  server,
		addr:    addr,
		router:  r,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.registerRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"service": a.proc.Name(),
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"workers": a.proc.ThreadPool().Workers(),
			"pending": a.proc.ThreadPool().Pending(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/services", func(c *gin.Context) {
		infos, err := a.proc.ListServices(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": serviceViews(infos)})
	})

	a.router.GET("/services/lookup", func(c *gin.Context) {
		iface := strings.TrimSpace(c.Query("interface"))
		instance := strings.TrimSpace(c.DefaultQuery("instance", "default"))
		if iface == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interface is required"})
			return
		}
		b, err := a.proc.GetService(c.Request.Context(), iface, instance, false)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"interface": iface,
			"instance":  instance,
			"alive":     b.IsAlive(),
			"remote":    isRemote(b),
		})
	})

	a.router.GET("/endpoints", func(c *gin.Context) {
		eps := a.proc.Lifecycle().Endpoints()
		out := make([]gin.H, 0, len(eps))
		for _, ep := range eps {
			out = append(out, gin.H{
				"node":     ep.ID(),
				"alive":    ep.IsAlive(),
				"inflight": ep.InFlight(),
				"local":    ep.Local(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"endpoints": out})
	})

	a.router.GET("/connections", func(c *gin.Context) {
		out := []gin.H{}
		if a.server != nil {
			for _, conn := range a.server.Conns() {
				exports, imports := conn.Stats()
				out = append(out, gin.H{
					"peer":    conn.Name(),
					"caller":  conn.Peer().String(),
					"exports": exports,
					"imports": imports,
				})
			}
		}
		c.JSON(http.StatusOK, gin.H{"connections": out})
	})

	a.router.POST("/sysprops", a.mutating(), func(c *gin.Context) {
		n := a.proc.BroadcastConfigChanged(c.Request.Context())
		log.Info().Msgf("admin.sysprops notified=%d", n)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "notified": n})
	})
}

func (a *Admin) mutating() gin.HandlerFunc {
	if a.validator == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.Require(a.validator)
}

func (a *Admin) ready() bool {
	select {
	case <-a.proc.Done():
		return false
	default:
	}
	return a.proc.ServiceManager() != nil && a.proc.ThreadPool().Started()
}

// Serve listens on the configured address until ctx ends.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("admin.Serve addr=%s", a.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type serviceView struct {
	Interface    string    `json:"interface"`
	Instance     string    `json:"instance"`
	Registrant   string    `json:"registrant"`
	RegisteredAt time.Time `json:"registered_at"`
}

func serviceViews(infos []binder.ServiceInfo) []serviceView {
	out := make([]serviceView, 0, len(infos))
	for _, info := range infos {
		out = append(out, serviceView{
			Interface:    info.Interface,
			Instance:     info.Instance,
			Registrant:   info.Registrant.String(),
			RegisteredAt: info.RegisteredAt,
		})
	}
	return out
}

func isRemote(b binder.IBinder) bool {
	_, ok := b.(*remote.Proxy)
	return ok
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, binder.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, binder.ErrShuttingDown), errors.Is(err, binder.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
