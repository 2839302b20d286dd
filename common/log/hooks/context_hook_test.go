package hooks

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestContextHookAddsCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New()
	logger.Out = &buf
	logger.AddHook(NewContextHook())

	logger.WithFields(log.Fields{"descriptor": "attribute://a:b=c/D"}).Info("evicted")

	out := buf.String()
	assert.Contains(t, out, "file:line")
	assert.True(t, strings.Contains(out, "context_hook_test.go:"), out)
}
