package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		config   string
		want     bool
	}{
		{"match", "abc123", "abc123", true},
		{"mismatch", "abc124", "abc123", false},
		{"different length", "abc", "abc123", false},
		{"empty config", "abc123", "", false},
		{"empty provided", "", "abc123", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAPIKey(tt.provided, tt.config))
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"missing header", "", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"empty key", "Bearer ", "", true},
		{"whitespace key", "Bearer    ", "", true},
		{"trims whitespace", "Bearer  abc123 ", "abc123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/workers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			key, err := ExtractAPIKey(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}
