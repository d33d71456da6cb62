package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjuuuuunnnnn/orchestry/internal/runtime"
)

// fakeRuntime stubs the subset of runtime.Driver the NginxDriver calls
// through Exec/Logs, letting Publish's atomic-write protocol be exercised
// without a real nginx container.
type fakeRuntime struct {
	runtime.Driver
	execOut string
	execErr error
	execLog []string
	logsOut string
}

func (f *fakeRuntime) Exec(ctx context.Context, containerName string, cmd []string) (string, error) {
	f.execLog = append(f.execLog, cmd[len(cmd)-1])
	return f.execOut, f.execErr
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, tailLines int) (string, error) {
	return f.logsOut, nil
}

func newTestDriver(t *testing.T, rt *fakeRuntime) *NginxDriver {
	t.Helper()
	confDir := t.TempDir()
	d, err := NewNginxDriver(rt, "nginx", confDir, "")
	require.NoError(t, err)
	return d
}

func TestNewNginxDriverRequiresContainerAndConfDir(t *testing.T) {
	rt := &fakeRuntime{}
	_, err := NewNginxDriver(rt, "", t.TempDir(), "")
	assert.Error(t, err)

	_, err = NewNginxDriver(rt, "nginx", "", "")
	assert.Error(t, err)
}

func TestPublishWritesValidatesAndReloads(t *testing.T) {
	rt := &fakeRuntime{execOut: "syntax is ok\nsuccessful"}
	d := newTestDriver(t, rt)

	err := d.Publish(context.Background(), "web", []Upstream{{IP: "10.0.0.1", Port: 9000}})
	require.NoError(t, err)

	data, err := os.ReadFile(d.confPath("web"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "web_backend")
	assert.Contains(t, string(data), "server 10.0.0.1:9000;")

	assert.Equal(t, []string{"-t", "reload"}, rt.execLog)
}

func TestPublishWithNoUpstreamsRemovesConfig(t *testing.T) {
	rt := &fakeRuntime{execOut: "successful"}
	d := newTestDriver(t, rt)

	require.NoError(t, d.Publish(context.Background(), "web", []Upstream{{IP: "10.0.0.1", Port: 9000}}))
	require.NoError(t, d.Publish(context.Background(), "web", nil))

	_, err := os.Stat(d.confPath("web"))
	assert.True(t, os.IsNotExist(err))
}

func TestPublishRollsBackOnValidationFailure(t *testing.T) {
	rt := &fakeRuntime{execOut: "successful"}
	d := newTestDriver(t, rt)

	require.NoError(t, d.Publish(context.Background(), "web", []Upstream{{IP: "10.0.0.1", Port: 9000}}))
	original, err := os.ReadFile(d.confPath("web"))
	require.NoError(t, err)

	rt.execOut = "nginx: [emerg] error: directive is not allowed here"
	err = d.Publish(context.Background(), "web", []Upstream{{IP: "10.0.0.2", Port: 9001}})
	require.Error(t, err)

	after, err := os.ReadFile(d.confPath("web"))
	require.NoError(t, err)
	assert.Equal(t, original, after, "config must roll back to the pre-publish contents")

	_, err = os.Stat(d.confPath("web") + ".backup")
	assert.True(t, os.IsNotExist(err), "backup file must be cleaned up whether publish succeeds or rolls back")
}

func TestPublishRejectsInvalidAppName(t *testing.T) {
	rt := &fakeRuntime{execOut: "successful"}
	d := newTestDriver(t, rt)

	err := d.Publish(context.Background(), "web; rm -rf /", []Upstream{{IP: "10.0.0.1", Port: 9000}})
	assert.Error(t, err)
}

func TestStatusParsesStubStatusOutput(t *testing.T) {
	rt := &fakeRuntime{execOut: "Active connections: 5 \nserver accepts handled requests\n 100 100 200\nReading: 1 Writing: 2 Waiting: 3\n"}
	d := newTestDriver(t, rt)

	status, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, status["active_connections"])
	assert.Equal(t, 200, status["requests"])
	assert.Equal(t, 2, status["writing"])
}

func TestLogsDelegatesToRuntime(t *testing.T) {
	rt := &fakeRuntime{logsOut: "log line 1\nlog line 2"}
	d := newTestDriver(t, rt)

	out, err := d.Logs(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, "log line 1\nlog line 2", out)
}

func TestConfPathUsesConfDir(t *testing.T) {
	rt := &fakeRuntime{}
	d := newTestDriver(t, rt)
	assert.Equal(t, filepath.Join(d.confDir, "web.conf"), d.confPath("web"))
}
