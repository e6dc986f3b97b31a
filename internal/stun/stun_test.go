package stun

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingRequestReturnsMappedAddress(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Initialize(0, "duocall", logger)
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	defer conn.Close()

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	_, err = conn.Write(req.Raw)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	res := &stun.Message{Raw: buf[:n]}
	require.NoError(t, res.Decode())
	assert.Equal(t, stun.BindingSuccess, res.Type)

	var mapped stun.XORMappedAddress
	require.NoError(t, mapped.GetFrom(res))
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, mapped.Port)
}

func TestURL(t *testing.T) {
	srv := &Server{port: 3478}
	assert.Equal(t, "stun:example.com:3478", srv.URL("example.com"))
}
