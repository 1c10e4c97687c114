package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/taskwrap/internal/secrets"
)

// Options controls one resolution run.
type Options struct {
	// MaxDepth bounds recursion into nested mappings and sequences.
	// Zero disables resolution entirely: the merge result is returned
	// untouched.
	MaxDepth int

	// MaxIterations caps the passes per epoch. Exceeding it means the
	// trees reference each other without converging, which is a
	// configuration error.
	MaxIterations int

	// FailFast aborts the current pass on the first provider failure.
	FailFast bool

	// OverwriteEnv lets resolved values shadow the real process
	// environment. When false, the real environment is re-asserted
	// after the first fixed point and a second epoch re-runs.
	OverwriteEnv bool

	// DeepMerge recurses into mappings when merging declared
	// locations; shallow merge replaces top-level keys.
	DeepMerge bool

	EnvPrefix    string
	EnvSuffix    string
	ConfigPrefix string
	ConfigSuffix string

	// EnvLocations and ConfigLocations are location strings merged, in
	// order, into the working environment and configuration tree.
	EnvLocations    []string
	ConfigLocations []string

	// EnvVarForFinalConfig, when set, mirrors the final configuration
	// into this environment variable as JSON.
	EnvVarForFinalConfig string

	// ConfigPropForFinalEnv, when set, mirrors the final environment
	// into this configuration property.
	ConfigPropForFinalEnv string
}

// Clients carries the cloud service clients handed to the providers.
type Clients struct {
	SecretsManager secrets.SecretsManagerAPI
	S3             secrets.S3API
}

// Result is the outcome of a resolution run. Unresolved names were
// legitimately absent; failed names raised provider errors. A non-empty
// failed list is a configuration error for the caller.
type Result struct {
	Env           map[string]string
	UnresolvedEnv []string
	FailedEnv     []string

	Config           map[string]any
	UnresolvedConfig []string
	FailedConfig     []string
}

// Failed reports whether any lookup raised a provider error.
func (r *Result) Failed() bool {
	return len(r.FailedEnv) > 0 || len(r.FailedConfig) > 0
}

// Engine walks the environment mapping and configuration tree,
// dispatching tagged values to providers until a fixed point.
type Engine struct {
	opts      Options
	providers []secrets.Provider
	legacy    map[string]secrets.Provider
	cache     *secrets.Cache
	logger    *slog.Logger
	redact    *secrets.RedactFilter

	env    map[string]any
	config map[string]any
}

// NewEngine builds an engine with the fixed provider priority order.
// The bare-path file provider accepts everything, so it stays last.
func NewEngine(opts Options, clients Clients, cache *secrets.Cache, logger *slog.Logger, redact *secrets.RedactFilter) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = secrets.NewCache(0)
	}
	e := &Engine{
		opts:   opts,
		cache:  cache,
		logger: logger,
		redact: redact,
	}

	sm := secrets.AWSSecretsManagerProvider{Client: clients.SecretsManager}
	e.providers = []secrets.Provider{
		secrets.PlainProvider{},
		secrets.EnvRefProvider{Lookup: e.lookupEnv},
		secrets.ConfigRefProvider{Tree: e.currentConfig, Query: ApplyTransform},
		sm,
		secrets.S3Provider{Client: clients.S3},
		secrets.FileURLProvider{},
		secrets.FilePathProvider{},
	}
	e.legacy = map[string]secrets.Provider{
		"AWS_SM_": sm,
	}
	return e
}

// Resolve merges the declared locations with baseEnv and initialConfig,
// then resolves both trees to a fixed point across up to two epochs.
//
// An error return means a malformed setup (unreadable declared
// location, no convergence); per-value lookup problems land in the
// result's unresolved and failed lists instead.
func (e *Engine) Resolve(ctx context.Context, initialConfig map[string]any, baseEnv map[string]string) (*Result, error) {
	res := &Result{}

	e.env = make(map[string]any)
	for _, loc := range e.opts.EnvLocations {
		tree, err := e.loadLocation(ctx, loc, secrets.FormatDotenv)
		if err != nil {
			return res, fmt.Errorf("loading env location %q: %w", loc, err)
		}
		mergeTrees(e.env, tree, e.opts.DeepMerge)
	}
	// The real environment wins over declared env files.
	for k, v := range baseEnv {
		e.env[k] = v
	}

	e.config = make(map[string]any)
	mergeTrees(e.config, initialConfig, e.opts.DeepMerge)
	for _, loc := range e.opts.ConfigLocations {
		tree, err := e.loadLocation(ctx, loc, secrets.FormatYAML)
		if err != nil {
			return res, fmt.Errorf("loading config location %q: %w", loc, err)
		}
		mergeTrees(e.config, tree, e.opts.DeepMerge)
	}

	if e.opts.MaxDepth <= 0 {
		e.finalize(res)
		return res, nil
	}

	for epoch := 0; ; epoch++ {
		converged, err := e.resolveToFixedPoint(ctx, res)
		if err != nil {
			e.finalize(res)
			return res, err
		}
		if !converged {
			// Fail-fast abort: surface partial results to the caller.
			break
		}
		if e.opts.OverwriteEnv || epoch == 1 {
			break
		}
		// The first epoch may have overwritten variables that were
		// present in the real environment. Re-assert them and run one
		// more epoch so dependent values are recomputed.
		for k, v := range baseEnv {
			e.env[k] = v
		}
	}

	e.finalize(res)
	return res, nil
}

// resolveToFixedPoint runs passes until one resolves nothing new.
// Returns false when a fail-fast abort cut the epoch short.
func (e *Engine) resolveToFixedPoint(ctx context.Context, res *Result) (bool, error) {
	for i := 0; i < e.opts.MaxIterations; i++ {
		resolved, aborted := e.resolvePass(ctx, res)
		if aborted {
			return false, nil
		}
		if resolved == 0 {
			return true, nil
		}
	}
	return false, fmt.Errorf("resolution did not converge within %d iterations", e.opts.MaxIterations)
}

// resolvePass resolves the environment tree, then the configuration
// tree. Returns the count of newly resolved entries.
func (e *Engine) resolvePass(ctx context.Context, res *Result) (int, bool) {
	aborted := false
	n := e.walk(ctx, e.env, 0, e.opts.EnvPrefix, e.opts.EnvSuffix,
		&res.UnresolvedEnv, &res.FailedEnv, &aborted)
	if aborted {
		return n, true
	}
	n += e.walk(ctx, e.config, 0, e.opts.ConfigPrefix, e.opts.ConfigSuffix,
		&res.UnresolvedConfig, &res.FailedConfig, &aborted)
	return n, aborted
}

// walk resolves candidates in one mapping, recursing into nested
// mappings and sequences up to the depth limit.
func (e *Engine) walk(ctx context.Context, m map[string]any, depth int, prefix, suffix string, unresolved, failed *[]string, aborted *bool) int {
	resolved := 0

	// Snapshot the keys: resolving replaces tagged entries in place.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	for _, k := range keys {
		if *aborted {
			return resolved
		}
		switch v := m[k].(type) {
		case map[string]any:
			if depth+1 < e.opts.MaxDepth {
				resolved += e.walk(ctx, v, depth+1, prefix, suffix, unresolved, failed, aborted)
			}
		case []any:
			if depth+1 < e.opts.MaxDepth {
				for _, item := range v {
					if child, ok := item.(map[string]any); ok {
						resolved += e.walk(ctx, child, depth+1, prefix, suffix, unresolved, failed, aborted)
					}
				}
			}
		case string:
			name, ok := candidateName(k, prefix, suffix)
			if !ok {
				continue
			}
			out, err := e.resolveCandidate(ctx, name, v)
			switch {
			case err == nil:
				delete(m, k)
				m[name] = out
				// A later pass can satisfy a lookup that an earlier
				// pass reported unresolved.
				removeName(unresolved, name)
				resolved++
			case errors.Is(err, secrets.ErrNotFound):
				appendUnique(unresolved, name)
				e.logger.Debug("lookup unresolved", "name", name, "error", err)
			default:
				appendUnique(failed, name)
				e.logger.Error("lookup failed", "name", name, "error", err)
				if e.opts.FailFast {
					*aborted = true
				}
			}
		}
	}
	return resolved
}

// resolveCandidate fetches and transforms one tagged value.
func (e *Engine) resolveCandidate(ctx context.Context, name, value string) (any, error) {
	provider, err := e.selectProvider(name, value)
	if err != nil {
		return nil, err
	}

	location, format := secrets.SplitFormat(value)
	location, transform := secrets.SplitTransform(location)
	if format == secrets.FormatUnknown {
		format = secrets.GuessFormat(location)
	}

	fetched, err := e.cache.Fetch(ctx, provider, location)
	if err != nil {
		return nil, err
	}
	e.registerSecret(provider, fetched.Raw)
	if format == secrets.FormatUnknown {
		format = fetched.Format
	}

	if transform == "" {
		if fetched.Parsed != nil {
			return fetched.Parsed, nil
		}
		return fetched.Raw, nil
	}

	// For config references the transform addresses the whole tree,
	// not the fetched subtree.
	var data any
	if provider.Name() == (secrets.ConfigRefProvider{}).Name() {
		data = e.config
	} else {
		if fetched.Parsed == nil {
			parsed, err := secrets.Parse(fetched.Raw, format)
			if err != nil {
				return nil, fmt.Errorf("value for %q: %w", name, err)
			}
			fetched.Parsed = parsed
			e.cache.Store(provider, location, fetched)
		}
		data = fetched.Parsed
	}

	return ApplyTransform(transform, data)
}

// selectProvider picks the provider for a candidate: the legacy
// key-name prefix wins, then ordered predicate matching on the value.
func (e *Engine) selectProvider(name, value string) (secrets.Provider, error) {
	for prefix, p := range e.legacy {
		if strings.HasPrefix(name, prefix) {
			return p, nil
		}
	}
	for _, p := range e.providers {
		if p.Supports(value) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider accepts value for %q", name)
}

// loadLocation fetches and parses a declared env or config file
// location into a tree.
func (e *Engine) loadLocation(ctx context.Context, location string, fallback secrets.Format) (map[string]any, error) {
	provider, err := e.selectProvider("", location)
	if err != nil {
		return nil, err
	}
	stripped, format := secrets.SplitFormat(location)
	if format == secrets.FormatUnknown {
		format = secrets.GuessFormat(stripped)
	}

	fetched, err := e.cache.Fetch(ctx, provider, stripped)
	if err != nil {
		return nil, err
	}
	if format == secrets.FormatUnknown {
		format = fetched.Format
	}
	if format == secrets.FormatUnknown {
		format = fallback
	}

	parsed, err := secrets.Parse(fetched.Raw, format)
	if err != nil {
		return nil, err
	}
	tree, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("location %q did not parse to a mapping", location)
	}
	return tree, nil
}

// finalize flattens the environment and applies the mirrors. The
// env-into-config mirror is computed from the pre-mirroring
// environment so the two mirrors cannot feed each other.
func (e *Engine) finalize(res *Result) {
	flat := flattenEnv(e.env)

	if e.opts.ConfigPropForFinalEnv != "" {
		mirror := make(map[string]any, len(flat))
		for k, v := range flat {
			mirror[k] = v
		}
		e.config[e.opts.ConfigPropForFinalEnv] = mirror
	}
	if e.opts.EnvVarForFinalConfig != "" {
		if data, err := json.Marshal(e.config); err == nil {
			flat[e.opts.EnvVarForFinalConfig] = string(data)
		} else {
			e.logger.Error("serializing final config mirror", "error", err)
		}
	}

	res.Env = flat
	res.Config = e.config
}

func (e *Engine) lookupEnv(name string) (string, bool) {
	v, ok := e.env[name]
	if !ok {
		return "", false
	}
	return FlattenValue(v), true
}

func (e *Engine) currentConfig() map[string]any {
	return e.config
}

// registerSecret records genuinely secret material with the redaction
// filter so it never reaches log output.
func (e *Engine) registerSecret(provider secrets.Provider, raw string) {
	if e.redact == nil {
		return
	}
	switch provider.Name() {
	case "AWS_SM", "AWS_S3":
		e.redact.AddSecret(raw)
	}
}

// candidateName reports whether a key is tagged for resolution and
// returns the stripped output name.
func candidateName(key, prefix, suffix string) (string, bool) {
	if suffix == "" && prefix == "" {
		return "", false
	}
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
	if name == "" {
		return "", false
	}
	return name, true
}

func removeName(list *[]string, name string) {
	for i, existing := range *list {
		if existing == name {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func appendUnique(list *[]string, name string) {
	for _, existing := range *list {
		if existing == name {
			return
		}
	}
	*list = append(*list, name)
}
