// Package server exposes the rule, credential and target APIs over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/recfleet/internal/credentials"
	"github.com/loykin/recfleet/internal/matchexpr"
	"github.com/loykin/recfleet/internal/metrics"
	"github.com/loykin/recfleet/internal/processor"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/target"
)

// Router provides embeddable HTTP handlers for the control plane.
// Endpoints:
//
//	GET    /rules                list rules
//	POST   /rules                create a rule (JSON body)
//	GET    /rules/:name          fetch one rule
//	DELETE /rules/:name          delete a rule
//	GET    /credentials          list stored credentials (passwords redacted)
//	POST   /credentials          store credentials {matchExpression, username, password}
//	GET    /credentials/:id      targets the credential currently matches
//	DELETE /credentials/:id      delete stored credentials
//	GET    /targets              currently discoverable targets
//	GET    /tasks                active archival tasks per target
//	GET    /metrics              Prometheus metrics
type Router struct {
	rules    *rule.Registry
	creds    *credentials.Resolver
	platform target.Client
	proc     *processor.Processor
}

func NewRouter(rules *rule.Registry, creds *credentials.Resolver, platform target.Client, proc *processor.Processor) *Router {
	return &Router{rules: rules, creds: creds, platform: platform, proc: proc}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/rules", r.handleListRules)
	g.POST("/rules", r.handleCreateRule)
	g.GET("/rules/:name", r.handleGetRule)
	g.DELETE("/rules/:name", r.handleDeleteRule)
	g.GET("/credentials", r.handleListCredentials)
	g.POST("/credentials", r.handleCreateCredential)
	g.GET("/credentials/:id", r.handleCredentialTargets)
	g.DELETE("/credentials/:id", r.handleDeleteCredential)
	g.GET("/targets", r.handleListTargets)
	g.GET("/tasks", r.handleListTasks)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var ve *rule.ValidationError
	var pe *matchexpr.ParseError
	switch {
	case errors.As(err, &ve), errors.As(err, &pe):
		return http.StatusBadRequest
	case errors.Is(err, rule.ErrRuleNotFound), errors.Is(err, credentials.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, rule.ErrRuleExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, r.rules.List())
}

func (r *Router) handleCreateRule(c *gin.Context) {
	var rl rule.Rule
	if err := c.ShouldBindJSON(&rl); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.rules.Add(c.Request.Context(), rl); err != nil {
		writeError(c, err)
		return
	}
	// the stored name may differ from the submitted one after sanitization
	rl.Sanitize()
	created, err := r.rules.Get(rl.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) handleGetRule(c *gin.Context) {
	rl, err := r.rules.Get(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rl)
}

func (r *Router) handleDeleteRule(c *gin.Context) {
	if err := r.rules.Remove(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleListCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, r.creds.List())
}

type credentialReq struct {
	MatchExpression string `json:"matchExpression"`
	Username        string `json:"username"`
	Password        string `json:"password"`
}

func (r *Router) handleCreateCredential(c *gin.Context) {
	var req credentialReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, err := r.creds.Add(c.Request.Context(), req.MatchExpression, req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (r *Router) handleCredentialTargets(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid credential id"})
		return
	}
	refs, err := r.creds.MatchingTargets(id, r.platform.ListDiscoverableServices())
	if err != nil {
		writeError(c, err)
		return
	}
	if refs == nil {
		refs = []target.ServiceRef{}
	}
	c.JSON(http.StatusOK, refs)
}

func (r *Router) handleDeleteCredential(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid credential id"})
		return
	}
	if err := r.creds.Remove(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleListTargets(c *gin.Context) {
	refs := r.platform.ListDiscoverableServices()
	if refs == nil {
		refs = []target.ServiceRef{}
	}
	c.JSON(http.StatusOK, refs)
}

func (r *Router) handleListTasks(c *gin.Context) {
	if r.proc == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, r.proc.ActiveTasks())
}
