//go:build linux

package http

import (
	"bufio"
	"context"
	ctls "crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"testing/fstest"
	"time"

	sing "github.com/sagernet/sing-pipeline"
	M "github.com/sagernet/sing-pipeline/common/metadata"
	"github.com/sagernet/sing-pipeline/common/poll"
	T "github.com/sagernet/sing-pipeline/transport/tls"

	"github.com/go-resty/resty/v2"
	tls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/require"
)

var testRoot = fstest.MapFS{
	"index.html": {Data: []byte("<html>index</html>")},
	"a.txt":      {Data: []byte("body-a")},
	"b.txt":      {Data: []byte("body-b")},
	"notes":      {Data: []byte("plain words without an extension")},
}

func startServer(t *testing.T, certificate *tls.Certificate) string {
	ctx, cancel := context.WithCancel(context.Background())
	poller, err := poll.New(ctx)
	require.NoError(t, err)
	server := NewServer(poller, testRoot)
	var tlsConfig *tls.Config
	if certificate != nil {
		tlsConfig = T.ServerConfig(certificate)
	}
	require.NoError(t, server.Listen(M.Endpoint{Address: "127.0.0.1"}, false, tlsConfig, certificate))
	require.Len(t, server.Listeners(), 1)
	address := server.Listeners()[0].LocalAddr().String()

	done := make(chan error, 1)
	go func() {
		done <- poller.Loop()
	}()
	t.Cleanup(func() {
		poller.Post(server.Close)
		cancel()
		<-done
		poller.Shutdown()
	})
	return address
}

func newResty() *resty.Client {
	return resty.New().SetTimeout(5 * time.Second)
}

func TestServerGet(t *testing.T) {
	t.Parallel()
	address := startServer(t, nil)
	client := newResty()

	response, err := client.R().Get("http://" + address + "/index.html")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode())
	require.Equal(t, "<html>index</html>", response.String())
	require.Equal(t, "text/html; charset=utf-8", response.Header().Get("Content-Type"))
	require.Equal(t, sing.UserAgent(), response.Header().Get("Server"))

	response, err = client.R().Get("http://" + address + "/")
	require.NoError(t, err)
	require.Equal(t, "<html>index</html>", response.String())

	response, err = client.R().Get("http://" + address + "/notes?query=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode())
	require.Equal(t, "text/plain; charset=utf-8", response.Header().Get("Content-Type"))
}

func TestServerErrors(t *testing.T) {
	t.Parallel()
	address := startServer(t, nil)
	client := newResty()

	response, err := client.R().Get("http://" + address + "/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, response.StatusCode())

	response, err = client.R().Get("http://" + address + "/../a.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode())
	require.Equal(t, "body-a", response.String())

	response, err = client.R().SetBody("data").Post("http://" + address + "/a.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, response.StatusCode())
	require.Equal(t, "GET, HEAD", response.Header().Get("Allow"))
}

func TestServerHead(t *testing.T) {
	t.Parallel()
	address := startServer(t, nil)
	response, err := newResty().R().Head("http://" + address + "/a.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode())
	require.Empty(t, response.Body())
	require.Equal(t, strconv.Itoa(len("body-a")), response.Header().Get("Content-Length"))
}

func TestServerPipelined(t *testing.T) {
	t.Parallel()
	address := startServer(t, nil)
	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET /a.txt HTTP/1.1\r\nHost: test\r\n\r\n"+
		"GET /b.txt HTTP/1.1\r\nHost: test\r\n\r\n"+
		"GET /a.txt HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	for _, expected := range []string{"body-a", "body-b", "body-a"} {
		response, err := http.ReadResponse(reader, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(response.Body)
		require.NoError(t, err)
		require.Equal(t, expected, string(body))
	}
	_, err = reader.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestServerHTTP10Closes(t *testing.T) {
	t.Parallel()
	address := startServer(t, nil)
	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET /b.txt HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	response, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.0", response.Proto)
	require.True(t, response.Close)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, "body-b", string(body))
	_, err = reader.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestServerBadRequest(t *testing.T) {
	t.Parallel()
	address := startServer(t, nil)
	for request, status := range map[string]int{
		"GET / HTTP/1.1\r\nbad header\r\n\r\n": http.StatusBadRequest,
		"GET / HTTP/2.0\r\n\r\n":               http.StatusHTTPVersionNotSupported,
		"GET relative HTTP/1.1\r\n\r\n":        http.StatusBadRequest,
	} {
		conn, err := net.Dial("tcp", address)
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		_, err = io.WriteString(conn, request)
		require.NoError(t, err)
		response, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err, request)
		require.Equal(t, status, response.StatusCode, request)
		require.True(t, response.Close, request)
		conn.Close()
	}
}

func TestServerTLS(t *testing.T) {
	t.Parallel()
	certificate, err := T.GenerateCertificate("127.0.0.1")
	require.NoError(t, err)
	address := startServer(t, certificate)
	client := newResty().SetTLSClientConfig(&ctls.Config{InsecureSkipVerify: true})
	response, err := client.R().Get("https://" + address + "/b.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode())
	require.Equal(t, "body-b", response.String())
	require.Equal(t, 1, response.RawResponse.ProtoMinor)
}
