package httputil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolved(t *testing.T, proxies *TrustedProxies, r *http.Request) *http.Request {
	t.Helper()
	var out *http.Request
	proxies.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		out = r
	})).ServeHTTP(httptest.NewRecorder(), r)
	return out
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.53 ", ""})
	require.NoError(t, err)

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "remote addr", remoteAddr: "198.51.100.4:5123", want: "198.51.100.4"},
		{name: "remote addr without port", remoteAddr: "198.51.100.4", want: "198.51.100.4"},
		{
			name:       "untrusted peer cannot forward",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "203.0.113.9"},
			remoteAddr: "198.51.100.4:5123",
			want:       "198.51.100.4",
		},
		{
			name:       "right-most untrusted hop",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.7, 10.0.0.1"},
			remoteAddr: "10.0.0.2:80",
			want:       "203.0.113.7",
		},
		{
			name:       "single trusted address",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.8"},
			remoteAddr: "192.0.2.53:80",
			want:       "203.0.113.8",
		},
		{
			name:       "real ip from trusted peer",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			remoteAddr: "10.0.0.2:80",
			want:       "203.0.113.9",
		},
		{
			name:       "only trusted hops",
			headers:    map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.1"},
			remoteAddr: "10.0.0.2:80",
			want:       "10.1.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(resolved(t, proxies, r)))
		})
	}
}

func TestClientIP_IgnoresHeadersWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:5123"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "198.51.100.4", ClientIP(r))
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"172.16.0.0/12", "::1"})
	require.NoError(t, err)
	assert.True(t, proxies.Trusted("172.20.1.1"))
	assert.True(t, proxies.Trusted("::1"))
	assert.False(t, proxies.Trusted("8.8.8.8"))
	assert.False(t, proxies.Trusted("not-an-ip"))

	var none *TrustedProxies
	assert.False(t, none.Trusted("127.0.0.1"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header      string
		wantToken   string
		wantPresent bool
	}{
		{header: "", wantToken: "", wantPresent: false},
		{header: "Bearer abc.def.ghi", wantToken: "abc.def.ghi", wantPresent: true},
		{header: "bearer  abc ", wantToken: "abc", wantPresent: true},
		{header: "Basic dXNlcjpwYXNz", wantToken: "", wantPresent: true},
		{header: "Bearer", wantToken: "", wantPresent: true},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		token, present := BearerToken(r)
		assert.Equal(t, tt.wantToken, token, tt.header)
		assert.Equal(t, tt.wantPresent, present, tt.header)
	}
}

func TestDeviceFingerprint(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, DeviceFingerprint(r))

	r.Header.Set(DeviceFingerprintHeader, "  device-laptop ")
	assert.Equal(t, "device-laptop", DeviceFingerprint(r))
}

func TestIsHTTPS(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsHTTPS(r))

	spoofed := httptest.NewRequest(http.MethodGet, "/", nil)
	spoofed.RemoteAddr = "198.51.100.4:5123"
	spoofed.Header.Set("X-Forwarded-Proto", "https")
	assert.False(t, IsHTTPS(resolved(t, proxies, spoofed)))

	proxied := httptest.NewRequest(http.MethodGet, "/", nil)
	proxied.RemoteAddr = "10.0.0.2:80"
	proxied.Header.Set("X-Forwarded-Proto", "HTTPS")
	assert.True(t, IsHTTPS(resolved(t, proxies, proxied)))

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.TLS = &tls.ConnectionState{}
	assert.True(t, IsHTTPS(direct))
}
