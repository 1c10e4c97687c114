package resolve

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/szaher/taskwrap/internal/secrets"
)

func testOptions() Options {
	return Options{
		MaxDepth:      5,
		MaxIterations: 20,
		EnvSuffix:     "_TO_RESOLVE",
		ConfigSuffix:  "__to_resolve",
	}
}

func newTestEngine(opts Options, clients Clients) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(opts, clients, secrets.NewCache(0), logger, nil)
}

func mustResolve(t *testing.T, e *Engine, config map[string]any, env map[string]string) *Result {
	t.Helper()
	res, err := e.Resolve(context.Background(), config, env)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return res
}

func TestResolve_PlainValue(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"GREETING_TO_RESOLVE": "PLAIN:hello",
	})

	if got := res.Env["GREETING"]; got != "hello" {
		t.Errorf("GREETING = %q, want hello", got)
	}
	if _, ok := res.Env["GREETING_TO_RESOLVE"]; ok {
		t.Error("tagged key survived resolution")
	}
	if res.Failed() {
		t.Errorf("unexpected failures: %v", res.FailedEnv)
	}
}

func TestResolve_TransformAndFormat(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"API_KEY_TO_RESOLVE": `PLAIN:{"a": "x"}|$.a!json`,
	})

	if got := res.Env["API_KEY"]; got != "x" {
		t.Errorf("API_KEY = %q, want x", got)
	}
}

func TestResolve_BooleanFlattensUpperCase(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"FLAG_TO_RESOLVE": `PLAIN:{"b": true}|$.b!json`,
	})

	if got := res.Env["FLAG"]; got != "TRUE" {
		t.Errorf("FLAG = %q, want TRUE", got)
	}
}

func TestResolve_StructureFlattensToJSON(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"NESTED_TO_RESOLVE": `PLAIN:{"m": {"k": [1, 2]}}|$.m!json`,
	})

	var back map[string]any
	if err := json.Unmarshal([]byte(res.Env["NESTED"]), &back); err != nil {
		t.Fatalf("NESTED is not valid JSON: %v", err)
	}
	arr, ok := back["k"].([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("NESTED = %q, want object with two-element k", res.Env["NESTED"])
	}
}

func TestResolve_MissingLookupGoesUnresolved(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"MISSING_TO_RESOLVE": "ENV:NOPE",
	})

	if len(res.UnresolvedEnv) != 1 || res.UnresolvedEnv[0] != "MISSING" {
		t.Errorf("UnresolvedEnv = %v, want [MISSING]", res.UnresolvedEnv)
	}
	if res.Failed() {
		t.Error("a legitimately absent value must not count as a failure")
	}
	if _, ok := res.Env["MISSING"]; ok {
		t.Error("unresolved name must not appear in the output")
	}
}

func TestResolve_CrossReferenceFixedPoint(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"A_TO_RESOLVE": "ENV:B",
		"B_TO_RESOLVE": "PLAIN:bee",
	})

	if res.Env["A"] != "bee" || res.Env["B"] != "bee" {
		t.Errorf("got A=%q B=%q, want bee/bee", res.Env["A"], res.Env["B"])
	}
	if len(res.UnresolvedEnv) != 0 {
		t.Errorf("UnresolvedEnv = %v, want empty after convergence", res.UnresolvedEnv)
	}
}

func TestResolve_RealEnvironmentWinsWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vars.env")
	if err := os.WriteFile(path, []byte("K_TO_RESOLVE=PLAIN:resolved\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.EnvLocations = []string{path}
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, nil, map[string]string{"K": "original"})

	if got := res.Env["K"]; got != "original" {
		t.Errorf("K = %q, want the real environment value", got)
	}
}

func TestResolve_OverwriteEnvLetsResolvedValueShadow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vars.env")
	if err := os.WriteFile(path, []byte("K_TO_RESOLVE=PLAIN:resolved\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.EnvLocations = []string{path}
	opts.OverwriteEnv = true
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, nil, map[string]string{"K": "original"})

	if got := res.Env["K"]; got != "resolved" {
		t.Errorf("K = %q, want resolved", got)
	}
}

func TestResolve_ConfigTree(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, map[string]any{
		"db": map[string]any{"password__to_resolve": "PLAIN:hunter2"},
	}, nil)

	db, ok := res.Config["db"].(map[string]any)
	if !ok {
		t.Fatalf("db subtree missing: %v", res.Config)
	}
	if db["password"] != "hunter2" {
		t.Errorf("password = %v, want hunter2", db["password"])
	}
	if _, ok := db["password__to_resolve"]; ok {
		t.Error("tagged property survived resolution")
	}
}

func TestResolve_ConfigReferencesEnvironment(t *testing.T) {
	e := newTestEngine(testOptions(), Clients{})
	res := mustResolve(t, e, map[string]any{
		"host__to_resolve": "ENV:HOST",
	}, map[string]string{"HOST": "db.internal"})

	if res.Config["host"] != "db.internal" {
		t.Errorf("host = %v, want db.internal", res.Config["host"])
	}
}

func TestResolve_Mirrors(t *testing.T) {
	opts := testOptions()
	opts.EnvVarForFinalConfig = "RUNTIME_CONFIG"
	opts.ConfigPropForFinalEnv = "env"
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, map[string]any{"x": "y"}, map[string]string{"A": "b"})

	mirror, ok := res.Config["env"].(map[string]any)
	if !ok {
		t.Fatalf("env mirror missing: %v", res.Config)
	}
	if mirror["A"] != "b" {
		t.Errorf("env mirror A = %v, want b", mirror["A"])
	}
	if _, ok := mirror["RUNTIME_CONFIG"]; ok {
		t.Error("env mirror must be computed before the config mirror is added")
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(res.Env["RUNTIME_CONFIG"]), &cfg); err != nil {
		t.Fatalf("RUNTIME_CONFIG is not valid JSON: %v", err)
	}
	if cfg["x"] != "y" {
		t.Errorf("config mirror x = %v, want y", cfg["x"])
	}
	if _, ok := cfg["env"]; !ok {
		t.Error("config mirror should include the env mirror property")
	}
}

func TestResolve_ZeroDepthDisablesResolution(t *testing.T) {
	opts := testOptions()
	opts.MaxDepth = 0
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"GREETING_TO_RESOLVE": "PLAIN:hello",
	})

	if got := res.Env["GREETING_TO_RESOLVE"]; got != "PLAIN:hello" {
		t.Errorf("tagged value = %q, want untouched raw value", got)
	}
	if _, ok := res.Env["GREETING"]; ok {
		t.Error("nothing should resolve at depth zero")
	}
}

func TestResolve_DepthLimitStopsRecursion(t *testing.T) {
	opts := testOptions()
	opts.MaxDepth = 1
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, map[string]any{
		"top__to_resolve": "PLAIN:yes",
		"nested": map[string]any{
			"deep__to_resolve": "PLAIN:no",
		},
	}, nil)

	if res.Config["top"] != "yes" {
		t.Errorf("top = %v, want yes", res.Config["top"])
	}
	nested := res.Config["nested"].(map[string]any)
	if _, ok := nested["deep__to_resolve"]; !ok {
		t.Error("entries below the depth limit must stay untouched")
	}
}

func TestResolve_IterationCap(t *testing.T) {
	opts := testOptions()
	opts.MaxIterations = 1
	e := newTestEngine(opts, Clients{})
	_, err := e.Resolve(context.Background(), nil, map[string]string{
		"A_TO_RESOLVE": "ENV:B",
		"B_TO_RESOLVE": "PLAIN:bee",
	})
	if err == nil {
		t.Fatal("expected a convergence error at one iteration")
	}
}

func TestResolve_FailFast(t *testing.T) {
	opts := testOptions()
	opts.FailFast = true
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, nil, map[string]string{
		"BAD_TO_RESOLVE": `PLAIN:notjson|$.a!json`,
	})

	if !res.Failed() {
		t.Fatal("expected a recorded failure")
	}
	if len(res.FailedEnv) != 1 || res.FailedEnv[0] != "BAD" {
		t.Errorf("FailedEnv = %v, want [BAD]", res.FailedEnv)
	}
}

type fakeSecretsManager struct {
	value string
	calls int
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.value)}, nil
}

func TestResolve_LegacySecretsManagerKeyPrefix(t *testing.T) {
	sm := &fakeSecretsManager{value: "s3cr3t"}
	e := newTestEngine(testOptions(), Clients{SecretsManager: sm})
	res := mustResolve(t, e, nil, map[string]string{
		"AWS_SM_TOKEN_TO_RESOLVE": "my/secret/id",
	})

	if got := res.Env["AWS_SM_TOKEN"]; got != "s3cr3t" {
		t.Errorf("AWS_SM_TOKEN = %q, want s3cr3t", got)
	}
	if sm.calls == 0 {
		t.Error("bare value with legacy key prefix must route to Secrets Manager")
	}
}

func TestResolve_RegistersCloudSecretsForRedaction(t *testing.T) {
	sm := &fakeSecretsManager{value: "s3cr3t"}
	redact := secrets.NewRedactFilter(slog.NewTextHandler(io.Discard, nil))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(testOptions(), Clients{SecretsManager: sm}, secrets.NewCache(0), logger, redact)

	res := mustResolve(t, e, nil, map[string]string{
		// No transform: the raw value flows straight to the output.
		"AWS_SM_TOKEN_TO_RESOLVE": "my/secret/id",
	})
	if res.Env["AWS_SM_TOKEN"] != "s3cr3t" {
		t.Fatalf("AWS_SM_TOKEN = %q, want s3cr3t", res.Env["AWS_SM_TOKEN"])
	}
	if got := redact.RedactString("key=s3cr3t"); got == "key=s3cr3t" {
		t.Error("fetched secret material was not registered for redaction")
	}
}

func TestResolve_DeclaredEnvFileMerges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.env")
	if err := os.WriteFile(path, []byte("FROM_FILE=yes\nSHADOWED=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.EnvLocations = []string{path}
	e := newTestEngine(opts, Clients{})
	res := mustResolve(t, e, nil, map[string]string{"SHADOWED": "real"})

	if res.Env["FROM_FILE"] != "yes" {
		t.Errorf("FROM_FILE = %q, want yes", res.Env["FROM_FILE"])
	}
	if res.Env["SHADOWED"] != "real" {
		t.Errorf("SHADOWED = %q, the real environment must win over files", res.Env["SHADOWED"])
	}
}

func TestResolve_UnreadableLocationIsError(t *testing.T) {
	opts := testOptions()
	opts.EnvLocations = []string{filepath.Join(t.TempDir(), "absent.env")}
	e := newTestEngine(opts, Clients{})
	if _, err := e.Resolve(context.Background(), nil, nil); err == nil {
		t.Fatal("expected an error for an unreadable declared location")
	}
}
