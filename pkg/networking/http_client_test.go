package networking

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClientBuilder(t *testing.T) {
	t.Parallel()

	builder := NewHTTPClientBuilder()

	assert.Equal(t, HTTPTimeout, builder.clientTimeout)
	assert.Equal(t, 10*time.Second, builder.tlsHandshakeTimeout)
	assert.Equal(t, 10*time.Second, builder.responseHeaderTimeout)
	assert.Empty(t, builder.caCertPath)
	assert.False(t, builder.insecureSkipVerify)
}

func TestHTTPClientBuilder_WithTimeout(t *testing.T) {
	t.Parallel()

	builder := NewHTTPClientBuilder()

	result := builder.WithTimeout(5 * time.Second)

	assert.Same(t, builder, result) // fluent interface
	assert.Equal(t, 5*time.Second, builder.clientTimeout)

	// Non-positive durations keep the default.
	builder.WithTimeout(0)
	assert.Equal(t, 5*time.Second, builder.clientTimeout)
}

func TestHTTPClientBuilder_Build(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configure  func(*HTTPClientBuilder) *HTTPClientBuilder
		wantErr    bool
		skipVerify bool
	}{
		{
			name:      "default client",
			configure: func(b *HTTPClientBuilder) *HTTPClientBuilder { return b },
		},
		{
			name: "insecure client",
			configure: func(b *HTTPClientBuilder) *HTTPClientBuilder {
				return b.WithInsecureSkipVerify(true)
			},
			skipVerify: true,
		},
		{
			name: "missing CA bundle",
			configure: func(b *HTTPClientBuilder) *HTTPClientBuilder {
				return b.WithCABundle("/does/not/exist.pem")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := tt.configure(NewHTTPClientBuilder()).Build()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, client)

			transport, ok := client.Transport.(*http.Transport)
			require.True(t, ok)
			if tt.skipVerify {
				require.NotNil(t, transport.TLSClientConfig)
				assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
				assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
			}
		})
	}
}

func TestHTTPClientBuilder_InsecureAgainstSelfSigned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	secure, err := NewHTTPClientBuilder().Build()
	require.NoError(t, err)
	_, err = secure.Get(srv.URL)
	assert.Error(t, err, "self-signed certificate must fail verification")

	insecure, err := NewHTTPClientBuilder().WithInsecureSkipVerify(true).Build()
	require.NoError(t, err)
	resp, err := insecure.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
