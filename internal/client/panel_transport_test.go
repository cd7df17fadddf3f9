package client

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	short := "  User already exists  "
	assert.Equal(t, "User already exists", truncate(short))

	ascii := strings.Repeat("x", maxErrorBody+10)
	assert.Equal(t, strings.Repeat("x", maxErrorBody)+"...", truncate(ascii))

	// byte maxErrorBody falls inside a two-byte rune
	multi := "a" + strings.Repeat("é", maxErrorBody)
	got := truncate(multi)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "é..."))
	assert.LessOrEqual(t, len(got), maxErrorBody+len("..."))
}

func TestTransportErrorStatus(t *testing.T) {
	conflict := fmt.Errorf("create: %w", &TransportError{Provider: "marzban", StatusCode: http.StatusConflict})
	notFound := &TransportError{Provider: "marzneshin", StatusCode: http.StatusNotFound}
	network := &TransportError{Provider: "marzban", Message: "send request"}

	assert.True(t, IsConflict(conflict))
	assert.False(t, IsNotFound(conflict))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsConflict(notFound))
	assert.False(t, IsConflict(network))
	assert.False(t, IsNotFound(nil))
}
