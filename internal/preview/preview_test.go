package preview

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func writeArchive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "groups"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>index</h1>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "groups", "Family Group.html"), []byte("family"), 0644))
	return root
}

func TestNew_RequiresArchive(t *testing.T) {
	_, err := New(t.TempDir(), nil)
	require.Error(t, err)
}

func TestServe(t *testing.T) {
	s, err := New(writeArchive(t), nil)
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &fasthttp.HostClient{
		Addr: "preview",
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	get := func(uri string) (int, string) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI(uri)
		require.NoError(t, client.DoTimeout(req, resp, 5*time.Second))
		return resp.StatusCode(), string(resp.Body())
	}

	status, body := get("http://preview/")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "<h1>index</h1>", body)

	status, body = get("http://preview/groups/Family%20Group.html")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "family", body)

	status, _ = get("http://preview/missing.html")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
