package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	type payload struct {
		Value string `json:"value"`
	}

	env, err := Sign(secret, payload{Value: "hello"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, Verify(secret, env, &out))
	require.Equal(t, "hello", out.Value)
}

func TestVerifyRejectsTamperedSecret(t *testing.T) {
	env, err := Sign([]byte("secret-a"), map[string]string{"k": "v"})
	require.NoError(t, err)

	var out map[string]string
	err = Verify([]byte("secret-b"), env, &out)
	require.ErrorIs(t, err, ErrAuth)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("shared-secret")
	env, err := Sign(secret, map[string]string{"k": "v"})
	require.NoError(t, err)

	env.Timestamp -= int64((MaxClockSkew + time.Minute).Milliseconds())
	env.HMAC = sign(secret, env.Body, env.Timestamp)

	var out map[string]string
	err = Verify(secret, env, &out)
	require.ErrorIs(t, err, ErrAuth)
}

type echoRequest struct {
	N int `json:"n"`
}

type echoResponse struct {
	N int `json:"n"`
}

func TestClientServerRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	srv := NewServer(secret, nil)
	srv.Handle("echo", func(r *http.Request, body json.RawMessage) (interface{}, error) {
		var req echoRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return echoResponse{N: req.N * 2}, nil
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL, secret, 2*time.Second)

	var resp echoResponse
	err := client.Call(context.Background(), "echo", echoRequest{N: 21}, &resp)
	require.NoError(t, err)
	require.Equal(t, 42, resp.N)
}

func TestClientRejectedByWrongSecret(t *testing.T) {
	srv := NewServer([]byte("server-secret"), nil)
	srv.Handle("echo", func(r *http.Request, body json.RawMessage) (interface{}, error) {
		return echoResponse{}, nil
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.URL, []byte("wrong-secret"), time.Second)
	var resp echoResponse
	err := client.Call(context.Background(), "echo", echoRequest{N: 1}, &resp)
	require.Error(t, err)
}

func TestPoolReusesClientPerBaseURL(t *testing.T) {
	pool := NewPool([]byte("s"), time.Second)
	a := pool.clientFor("http://worker-a:9000")
	b := pool.clientFor("http://worker-a:9000")
	c := pool.clientFor("http://worker-b:9000")

	require.Same(t, a, b)
	require.NotSame(t, a, c)
}

func TestPoolCallRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	srv := NewServer(secret, nil)
	srv.Handle("echo", func(r *http.Request, body json.RawMessage) (interface{}, error) {
		var req echoRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return echoResponse{N: req.N + 1}, nil
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pool := NewPool(secret, time.Second)
	var resp echoResponse
	err := pool.Call(context.Background(), ts.URL, "echo", echoRequest{N: 9}, &resp)
	require.NoError(t, err)
	require.Equal(t, 10, resp.N)
}
