package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/declarest/declarest/pkg/auth"
	"github.com/declarest/declarest/pkg/cache"
	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/dbquery"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/filestore"
	"github.com/declarest/declarest/pkg/logger"
	"github.com/declarest/declarest/pkg/params"
	"github.com/declarest/declarest/pkg/proxy"
	"github.com/declarest/declarest/pkg/uploads"
)

// Pipeline serves every configured route through the fixed middleware
// chain: resolve, CORS, authorize, build parameters, dispatch, commit.
type Pipeline struct {
	loader     *config.Loader
	cache      *cache.Cache
	authorizer *auth.Authorizer
	proxy      *proxy.Stage
	committer  *filestore.Committer
	tempDir    string

	snap atomic.Pointer[snapshot]
}

// snapshot holds the per-config derived state, rebuilt when the loader
// serves a new configuration.
type snapshot struct {
	cfg      *config.Config
	router   *Router
	chain    *dbquery.Chain
	pool     *filestore.Pool
	streamer *dbquery.FileStreamer
}

// New assembles the pipeline over a config loader and the shared cache.
func New(loader *config.Loader, c *cache.Cache, tempDir string) (*Pipeline, error) {
	authorizer, err := auth.New(c)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		loader:     loader,
		cache:      c,
		authorizer: authorizer,
		proxy:      proxy.NewStage(c),
		committer:  filestore.NewCommitter(),
		tempDir:    tempDir,
	}, nil
}

// Handler returns the HTTP handler: the health probe plus the catch-all
// route dispatcher.
func (p *Pipeline) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/*", http.HandlerFunc(p.serve))

	return mux
}

func (p *Pipeline) current() *snapshot {
	cfg := p.loader.Current()
	if s := p.snap.Load(); s != nil && s.cfg == cfg {
		return s
	}

	pool := filestore.NewPool(cfg.FileManagement)
	s := &snapshot{
		cfg:      cfg,
		router:   NewRouter(cfg.Routes),
		chain:    dbquery.NewChain(dbquery.NewFactory(cfg.ConnectionStrings)),
		pool:     pool,
		streamer: dbquery.NewFileStreamer(pool),
	}
	p.snap.Store(s)
	return s
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	snap := p.current()
	start := time.Now()

	tracker := uploads.NewTracker()
	defer tracker.Cleanup()

	err := p.dispatch(ww, r, snap, tracker)
	if err != nil {
		writeError(ww, r, snap.cfg.Server, err)
	}

	logger.Infow("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", ww.Status(),
		"duration", time.Since(start).String(),
	)
}

func (p *Pipeline) dispatch(w middleware.WrapResponseWriter, r *http.Request, snap *snapshot, tracker *uploads.Tracker) error {
	match := snap.router.Resolve(r.Method, r.URL.Path)
	if match == nil {
		return errors.NewNotFoundError("no route matches "+r.URL.Path, nil)
	}
	route := match.Route

	if err := classifyService(route); err != nil {
		return err
	}

	if terminated := applyCORS(w, r, route, snap.cfg.CORS); terminated {
		return nil
	}

	contentType := normalizeContentType(r.Header.Get("Content-Type"))
	if contentType != "" && !isBodyFormat(contentType) && r.ContentLength != 0 {
		logger.Debugw("request body format carries no parameters", "content_type", contentType)
	}

	var claims map[string]any
	pol, err := auth.ResolvePolicy(route.Auth, snap.cfg.Authorize)
	if err != nil {
		return err
	}
	if pol != nil {
		claims, err = p.authorizer.Authenticate(r.Context(), r, pol)
		if err != nil {
			return err
		}
	}

	if err := checkAPIKey(r, route, snap.cfg.APIKeyCollections); err != nil {
		return err
	}

	filePolicy := effectiveFilePolicy(snap.cfg.FileManagement, route.FileManagement)
	var files params.FilesProcessor
	if route.ServiceType == config.ServiceDBQuery && filePolicy.FilesDataField != "" {
		files = uploads.NewStager(filePolicy.Settings, p.tempDir, tracker)
	}

	bundle, patterns, err := params.Build(params.Request{
		HTTP:           r,
		ContentType:    contentType,
		RouteParams:    match.RouteParams,
		Claims:         claims,
		Section:        route.Regex,
		Global:         snap.cfg.Regex,
		Vars:           snap.cfg.Vars,
		FilesDataField: filePolicy.FilesDataField,
		Files:          files,
	})
	if err != nil {
		return err
	}

	if err := checkMandatory(route, bundle); err != nil {
		return err
	}

	if route.ServiceType == config.ServiceAPIGateway {
		return p.serveProxy(w, r, snap, match, bundle)
	}
	return p.serveQuery(w, r, snap, match, bundle, patterns, tracker, filePolicy)
}

func (p *Pipeline) serveProxy(w http.ResponseWriter, r *http.Request, snap *snapshot, match *Match, bundle *params.Bundle) error {
	route := match.Route
	if route.Proxy == nil || route.Proxy.URL == "" {
		return errors.NewConfigError("route "+route.ID+" has no proxy target", nil)
	}

	req := proxy.Request{
		Target:          route.Proxy,
		ExcludedHeaders: route.Proxy.ExcludedHeaders,
		RemainingPath:   match.RemainingPath,
	}

	if policy, ttl, enabled := effectiveCachePolicy(route.Cache, snap.cfg.Cache); enabled {
		req.CacheKey = cacheKey(route, r, bundle, policy)
		req.CacheTTL = ttl
		req.ExcludeStatusCodes = policy.ExcludeStatusCodes
	}

	return p.proxy.Serve(w, r, req)
}

func (p *Pipeline) serveQuery(
	w http.ResponseWriter,
	r *http.Request,
	snap *snapshot,
	match *Match,
	bundle *params.Bundle,
	patterns *params.PatternSet,
	tracker *uploads.Tracker,
	filePolicy filePolicy,
) error {
	route := match.Route

	// File responses stream straight through, never cached.
	if route.ResponseStructure == config.ResponseFile && route.CountQuery == "" {
		rows, err := snap.chain.Execute(r.Context(), route, bundle, patterns)
		if err != nil {
			return err
		}
		var first dbquery.Row
		if len(rows) > 0 {
			first = rows[0]
		}
		return snap.streamer.Serve(w, r, first, filePolicy.StoreName)
	}

	produce := func() ([]byte, error) {
		rows, err := snap.chain.Execute(r.Context(), route, bundle, patterns)
		if err != nil {
			return nil, err
		}

		counted := route.CountQuery != ""
		var count any
		if counted {
			if count, err = snap.chain.RunCount(r.Context(), route, bundle); err != nil {
				return nil, err
			}
		}

		body, err := dbquery.Shape(route, rows, count, counted)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cache.QueryResult{StatusCode: route.SuccessStatusCode, Data: body})
	}

	var payload []byte
	policy, ttl, cacheable := effectiveCachePolicy(route.Cache, snap.cfg.Cache)
	if cacheable && statusExcluded(route.SuccessStatusCode, policy.ExcludeStatusCodes) {
		cacheable = false
	}

	if cacheable {
		var err error
		if payload, _, err = p.cache.GetOrProduce(cacheKey(route, r, bundle, policy), ttl, produce); err != nil {
			return err
		}
	} else {
		var err error
		if payload, err = produce(); err != nil {
			return err
		}
	}

	var result cache.QueryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return errors.NewInternalError("failed to decode query result", err)
	}

	if err := p.commitFiles(r, snap, tracker, filePolicy); err != nil {
		return err
	}

	writeRaw(w, result.StatusCode, result.Data)
	return nil
}

// commitFiles pushes the request's staged uploads to the configured stores.
// A no-op when nothing was staged.
func (p *Pipeline) commitFiles(r *http.Request, snap *snapshot, tracker *uploads.Tracker, filePolicy filePolicy) error {
	if tracker.Empty() {
		return nil
	}
	if filePolicy.Stores == "" {
		return errors.NewConfigError("files staged but no stores configured", nil)
	}

	stores, closer, err := snap.pool.Resolve(filePolicy.Stores)
	if err != nil {
		return err
	}
	defer closer()

	return p.committer.Commit(r.Context(), tracker.Files(), stores, filePolicy.Overwrite)
}

// effectiveCachePolicy resolves route-over-global cache settings and reports
// whether caching applies.
func effectiveCachePolicy(route *config.CachePolicy, global config.CachePolicy) (*config.CachePolicy, time.Duration, bool) {
	policy := route
	if policy == nil {
		policy = &global
	}
	if !policy.Enabled || policy.DurationSeconds <= 0 {
		return policy, 0, false
	}
	return policy, time.Duration(policy.DurationSeconds) * time.Second, true
}

// cacheKey derives the route's cache key from the request coordinates and
// the resolved invalidator values.
func cacheKey(route *config.Route, r *http.Request, bundle *params.Bundle, policy *config.CachePolicy) string {
	invalidators := make([]cache.Invalidator, 0, len(policy.Invalidators))
	for _, name := range policy.Invalidators {
		value := ""
		if v, ok := bundle.Resolve(name); ok && v != nil {
			value = fmt.Sprintf("%v", v)
		}
		invalidators = append(invalidators, cache.Invalidator{Name: name, Value: value})
	}
	return cache.Key(route.ID, r.Method, r.URL.Path, invalidators, policy.MaxInvalidatorValueLen)
}

func statusExcluded(status int, excluded []int) bool {
	for _, code := range excluded {
		if code == status {
			return true
		}
	}
	return false
}

// filePolicy is the effective upload policy after route-over-global
// resolution.
type filePolicy struct {
	Settings  uploads.Settings
	Stores    string
	Overwrite bool
	StoreName string

	FilesDataField string
}

func effectiveFilePolicy(global config.FileManagement, route *config.RouteFilePolicy) filePolicy {
	fp := filePolicy{
		Settings: uploads.Settings{
			MaxFileSizeInBytes:     global.MaxFileSizeInBytes,
			MaxNumberOfFiles:       global.MaxNumberOfFiles,
			PermittedExtensions:    global.PermittedExtensions,
			AllowCallerSuppliedIDs: global.AllowCallerSuppliedIDs,
			PathTemplate:           global.PathTemplate,
			QueryConsumption:       global.EnableQueryConsumption,
		},
		Stores:         global.Stores,
		Overwrite:      global.OverwriteExistingFiles,
		FilesDataField: global.FilesDataField,
	}
	if route == nil {
		return fp
	}

	if route.FilesDataField != "" {
		fp.FilesDataField = route.FilesDataField
	}
	if route.MaxFileSizeInBytes != nil {
		fp.Settings.MaxFileSizeInBytes = *route.MaxFileSizeInBytes
	}
	if route.MaxNumberOfFiles != nil {
		fp.Settings.MaxNumberOfFiles = *route.MaxNumberOfFiles
	}
	if len(route.PermittedExtensions) > 0 {
		fp.Settings.PermittedExtensions = route.PermittedExtensions
	}
	if route.PathTemplate != "" {
		fp.Settings.PathTemplate = route.PathTemplate
	}
	if route.Stores != "" {
		fp.Stores = route.Stores
	}
	if route.OverwriteExistingFiles != nil {
		fp.Overwrite = *route.OverwriteExistingFiles
	}
	fp.StoreName = route.StoreName

	return fp
}
