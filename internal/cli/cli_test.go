package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/nodedriver/internal/credentials"
	"github.com/chainguard-dev/nodedriver/internal/drivers"
	"github.com/chainguard-dev/nodedriver/internal/drivers/ec2"
	"github.com/chainguard-dev/nodedriver/internal/ledger"
	"github.com/chainguard-dev/nodedriver/internal/metrics"
	"github.com/chainguard-dev/nodedriver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStart = fmt.Errorf("no capacity")

// provisioner records calls instead of talking to EC2.
type provisioner struct {
	mu       sync.Mutex
	calls    []string
	cfg      ec2.Config
	keyFile  string
	startErr error
}

var _ drivers.Provisioner = (*provisioner)(nil)

func (p *provisioner) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *provisioner) StartNode(_ context.Context, name string) (types.Descriptor, error) {
	p.record("start " + name)
	if p.startErr != nil {
		return types.Descriptor{}, p.startErr
	}
	return types.Descriptor{
		Name:     name,
		Hostname: name + ".example.com",
		User:     p.cfg.User,
		KeyFile:  p.keyFile,
	}, nil
}

func (p *provisioner) Terminate(_ context.Context, name string) error {
	p.record("terminate " + name)
	return nil
}

func (p *provisioner) TerminateUnnamed(context.Context) error {
	p.record("terminate-unnamed")
	return nil
}

func (p *provisioner) TerminateAll(context.Context) error {
	p.record("terminate-all")
	return nil
}

type fixture struct {
	dir  string
	prov *provisioner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		dir:  t.TempDir(),
		prov: &provisioner{},
	}
}

// run executes one nodectl invocation and returns its output, logs
// excluded.
func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := New(
		WithOutput(&out),
		WithProvisioner(func(cfg ec2.Config, store *credentials.Store, _ *metrics.Metrics) (drivers.Provisioner, error) {
			f.prov.cfg = cfg
			f.prov.keyFile = store.KeyFile()
			return f.prov, nil
		}),
	)
	root := app.Root()
	root.SetArgs(append([]string{"--config-dir", f.dir}, args...))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := app.Execute(t.Context(), root)
	return out.String(), err
}

func (f *fixture) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(filepath.Join(f.dir, ledgerFileName))
	require.NoError(t, err)
	return l
}

func TestCredentialsSet(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "credentials", "set", "--access-key-id", "AKIDEXAMPLE", "--secret-access-key", "s3cr3t")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(f.dir, ".aws"))

	creds, err := credentials.New(f.dir).Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "s3cr3t", creds.SecretAccessKey)

	_, err = f.run(t, "credentials", "set", "--access-key-id", "AKIDEXAMPLE")
	require.ErrorContains(t, err, "secret-access-key")
}

func TestKeySet(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(src, []byte("PRIVATE KEY"), 0o644))

	_, err := f.run(t, "key", "set", src)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(f.dir, ".key"))
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE KEY", string(raw))

	_, err = f.run(t, "key", "set", filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, credentials.ErrSave)
}

func TestStartRecordsNode(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "start", "build-1")
	require.NoError(t, err)
	assert.Equal(t, "build-1\tec2-user\tbuild-1.example.com\n", out)
	assert.Equal(t, []string{"start build-1"}, f.prov.calls)

	desc, found, err := f.ledger(t).Get(t.Context(), "us-west-1", "build-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "build-1.example.com", desc.Hostname)
	assert.Equal(t, filepath.Join(f.dir, ".key"), desc.KeyFile)

	out, err = f.run(t, "nodes")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "HOSTNAME")
	assert.Contains(t, lines[1], "build-1.example.com")
}

func TestStartFailure(t *testing.T) {
	f := newFixture(t)
	f.prov.startErr = errStart

	_, err := f.run(t, "start", "build-1")
	require.ErrorIs(t, err, errStart)

	nodes, err := f.ledger(t).List(t.Context(), "us-west-1")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestMetricsPush(t *testing.T) {
	var mu sync.Mutex
	var pushes []string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		pushes = append(pushes, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	f := newFixture(t)
	f.prov.startErr = errStart
	_, err := f.run(t, "--pushgateway", gateway.URL, "start", "build-1")
	require.ErrorIs(t, err, errStart)

	f.prov.startErr = nil
	_, err = f.run(t, "--pushgateway", gateway.URL, "start", "build-1")
	require.NoError(t, err)

	// Without a gateway nothing is pushed.
	_, err = f.run(t, "nodes")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT /metrics/job/nodectl",
		"PUT /metrics/job/nodectl",
	}, pushes)
}

func TestConfigFile(t *testing.T) {
	f := newFixture(t)
	cfg := "region: eu-central-1\nuser: admin\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, configFileName), []byte(cfg), 0o600))

	out, err := f.run(t, "--wait-timeout", "90s", "start", "build-1")
	require.NoError(t, err)
	assert.Contains(t, out, "\tadmin\t")
	assert.Equal(t, "eu-central-1", f.prov.cfg.Region)
	assert.Equal(t, 90*time.Second, f.prov.cfg.WaitTimeout)

	_, found, err := f.ledger(t).Get(t.Context(), "eu-central-1", "build-1")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, configFileName), []byte("poll_interval: -1s\n"), 0o600))
	_, err = f.run(t, "nodes")
	require.ErrorIs(t, err, ec2.ErrConfig)
}

func TestTerminate(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "start", "build-1")
	require.NoError(t, err)
	_, err = f.run(t, "start", "build-2")
	require.NoError(t, err)

	_, err = f.run(t, "terminate", "build-1")
	require.NoError(t, err)
	nodes, err := f.ledger(t).List(t.Context(), "us-west-1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "build-2", nodes[0].Name)

	_, err = f.run(t, "terminate-unnamed")
	require.NoError(t, err)
	nodes, err = f.ledger(t).List(t.Context(), "us-west-1")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = f.run(t, "terminate-all")
	require.ErrorContains(t, err, "--yes")
	assert.NotContains(t, f.prov.calls, "terminate-all")

	_, err = f.run(t, "terminate-all", "--yes")
	require.NoError(t, err)
	nodes, err = f.ledger(t).List(t.Context(), "us-west-1")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	assert.Equal(t, []string{
		"start build-1",
		"start build-2",
		"terminate build-1",
		"terminate-unnamed",
		"terminate-all",
	}, f.prov.calls)
}

func TestExecStartsNode(t *testing.T) {
	f := newFixture(t)
	f.prov.startErr = errStart

	_, err := f.run(t, "exec", "build-1", "--", "uname", "-a")
	require.ErrorIs(t, err, errStart)
	assert.Equal(t, []string{"start build-1"}, f.prov.calls)
}

func TestExecReuse(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger(t).Record(t.Context(), "us-west-1", types.Descriptor{
		Name:     "build-1",
		Hostname: "127.0.0.1",
		User:     "ec2-user",
		KeyFile:  filepath.Join(f.dir, "missing-key"),
	}))

	// The recorded descriptor is used without asking the provisioner, so the
	// failure comes from the SSH key.
	_, err := f.run(t, "exec", "--reuse", "build-1", "--", "true")
	require.Error(t, err)
	assert.Empty(t, f.prov.calls)
}

func TestExecArgs(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "exec", "build-1")
	require.Error(t, err)

	_, err = f.run(t, "upload", "build-1", "local")
	require.Error(t, err)
	assert.Empty(t, f.prov.calls)
}
