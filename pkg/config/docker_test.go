package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHostForDocker_NonLoopbackUnchanged(t *testing.T) {
	for _, host := range []string{"mydb.example.com", "192.168.1.100", "host.docker.internal"} {
		assert.Equal(t, host, ResolveHostForDocker(host))
	}
}

func TestResolveLoopback(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"localhost", dockerHostGateway},
		{"127.0.0.1", dockerHostGateway},
		{"::1", dockerHostGateway},
		{"db", "db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, resolveLoopback(tt.input), tt.input)
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:8080/api/orders", "http://host.docker.internal:8080/api/orders"},
		{"https://127.0.0.1/x?y=1", "https://host.docker.internal/x?y=1"},
		{"https://api.example.com/v1", "https://api.example.com/v1"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, resolveURL(tt.input), tt.input)
	}
}
