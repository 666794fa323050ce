// Package server exposes the validator over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/jdeng/avifcheck"
	"github.com/jdeng/avifcheck/internal/logger"
	"github.com/jdeng/avifcheck/store"
)

// Room for multipart headers and boundaries on top of the file itself.
const multipartSlack = 64 << 10

type ramFunc func() (*mem.VirtualMemoryStat, error)

type server struct {
	cfg   *avifcheck.Config
	store *store.Store
	entry *logrus.Entry
	log   *logger.Logger
	ram   ramFunc
}

func (s *server) String() string {
	return "server"
}

// New returns the HTTP handler of the validation service. Reports are
// cached in st when it is not nil.
func New(cfg *avifcheck.Config, st *store.Store, entry *logrus.Entry) *gin.Engine {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &server{cfg: cfg, store: st, entry: entry, log: logger.New(entry), ram: mem.VirtualMemory}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)
	if cfg.Server.Pprof {
		pprof.Register(router)
	}

	router.GET("/healthz", s.health)
	v1 := router.Group("/v1")
	v1.POST("/validate", s.validate)
	v1.GET("/reports/:digest", s.report)
	return router
}

// Run serves h on addr until ctx is done.
func Run(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof(srv.Addr, "Starting listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logger.Warningf(srv.Addr, "Stopping and closing")
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Infof(s, "%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

func (s *server) health(c *gin.Context) {
	h := gin.H{"status": "ok"}
	if s.store != nil {
		n, err := s.store.Len()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
			return
		}
		h["reports"] = n
	}
	if v, err := s.ram(); err == nil {
		h["ram_usage"] = int(v.UsedPercent)
	} else {
		s.log.Debugf(s, "could not get ram usage: %v", err)
	}
	c.JSON(http.StatusOK, h)
}

type response struct {
	Digest string `json:"digest"`
	Cached bool   `json:"cached"`
	Fatal  bool   `json:"fatal"`
	Report any    `json:"report"`
}

func (s *server) respond(c *gin.Context, digest string, cached bool, r *avifcheck.Report) {
	resp := response{Digest: digest, Cached: cached, Fatal: r.Fatal(), Report: r}
	switch c.Query("format") {
	case "", "full":
	case "condensed":
		resp.Report = r.Condensed()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown format %q", c.Query("format"))})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) validate(c *gin.Context) {
	data, name, err := s.upload(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d bytes", s.cfg.Server.MaxUpload)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty upload"})
		return
	}

	digest := store.Digest(data)
	if s.store != nil {
		if r, err := s.store.Get(digest); err == nil {
			r.Name = name
			s.respond(c, digest, true, r)
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			s.log.Warningf(s, "%s: %v", digest, err)
		}
	}

	r, err := avifcheck.ValidateBytes(data,
		avifcheck.WithConfig(s.cfg),
		avifcheck.WithName(name),
		avifcheck.WithLogger(s.entry.WithField("digest", digest)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.store != nil {
		if err := s.store.Put(digest, r); err != nil {
			s.log.Errorf(s, "could not save report %s: %v", digest, err)
		}
	}
	s.respond(c, digest, false, r)
}

// upload reads the file from a multipart "file" field or, for any other
// content type, from the raw body.
func (s *server) upload(c *gin.Context) ([]byte, string, error) {
	limit := s.cfg.Server.MaxUpload
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		data, err := io.ReadAll(c.Request.Body)
		return data, c.Query("name"), err
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartSlack)
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	if fh.Size > limit {
		return nil, "", &http.MaxBytesError{Limit: limit}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, fh.Filename, err
}

func (s *server) report(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no report store"})
		return
	}
	digest := strings.ToLower(c.Param("digest"))
	r, err := s.store.Get(digest)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no report for " + digest})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		s.respond(c, digest, true, r)
	}
}
