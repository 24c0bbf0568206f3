package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		n, hz, state int
		wantErr      bool
	}{
		{"defaults", 50, 60, 100, false},
		{"no participants", 0, 60, 0, false},
		{"zero rate", 50, 0, 100, true},
		{"negative rate", 50, -1, 100, true},
		{"rate above clock resolution", 50, 2e9, 100, true},
		{"negative count", -1, 60, 100, true},
		{"negative state", 50, 60, -1, true},
	}
	for _, tt := range tests {
		err := validate(tt.n, tt.hz, tt.state)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
	}
}
