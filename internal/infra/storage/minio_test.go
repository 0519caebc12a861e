package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
)

func TestBatchKey(t *testing.T) {
	at := time.Unix(1700000000, 5)
	assert.Equal(t, "findings/t1/awvs/1700000000000000005.json", BatchKey("t1", engines.AWVS, at))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("/tmp/x.json"))
	assert.Equal(t, "text/plain", contentType("x.log"))
	assert.Equal(t, "application/octet-stream", contentType("x.bin"))
}
