package fetch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesYAML(t *testing.T) {
	doc := `
charset-auto-detect: true
max-body-size: 2048
retry-times: 5
retry-http-codes: [500, 503]
timeout: 30s
cache-policy: rfc2616
`
	opt, err := LoadConfig(strings.NewReader(doc))
	require.NoError(t, err)
	assert.True(t, opt.CharsetAutoDetect)
	assert.EqualValues(t, 2048, opt.MaxBodySize)
	assert.Equal(t, 5, opt.RetryTimes)
	assert.Equal(t, []int{500, 503}, opt.RetryHTTPCodes)
	assert.Equal(t, 30*time.Second, opt.Timeout)
	assert.Equal(t, RFC2616, opt.CachePolicy)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("not: [valid"))
	assert.Error(t, err)
}

func TestLoadConfigDefaultsAreZeroValue(t *testing.T) {
	opt, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.False(t, opt.CharsetAutoDetect)
	assert.Zero(t, opt.MaxBodySize)
	assert.Zero(t, opt.RetryTimes)
}
