// Copyright 2025 James Ross
package waitbridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenIDFromSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{"dataqueue.waitpoint.abc-123.complete", "abc-123"},
		{"dataqueue.waitpoint.complete", ""},
		{"dataqueue.waitpoint..complete", ""},
		{"not.a.match", ""},
		{"dataqueue.waitpoint.tok.completed", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, tokenIDFromSubject(c.subject), c.subject)
	}
}
