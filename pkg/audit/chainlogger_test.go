package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainVerifies(t *testing.T) {
	logger := NewChainLogger(nil)
	logger.Append("tx_id=a outcome=approved balance_cents=1000")
	logger.Append("tx_id=b outcome=rejected balance_cents=1000")
	logger.Append("tx_id=c outcome=approved balance_cents=400")

	chain := logger.Snapshot()
	require.Len(t, chain, 3)
	assert.True(t, VerifyChain(chain))
	assert.Equal(t, chain[0].Hash, chain[1].PreviousHash)
}

func TestTamperedPayloadBreaksChain(t *testing.T) {
	logger := NewChainLogger(nil)
	logger.Append("tx_id=a outcome=approved")
	logger.Append("tx_id=b outcome=rejected")

	chain := logger.Snapshot()
	chain[0].Payload = "tx_id=a outcome=rejected"
	assert.False(t, VerifyChain(chain))
}

func TestTamperedLinkBreaksChain(t *testing.T) {
	logger := NewChainLogger(nil)
	logger.Append("one")
	logger.Append("two")

	chain := logger.Snapshot()
	chain[1].PreviousHash = strings.Repeat("d", 64)
	assert.False(t, VerifyChain(chain))
}

func TestEmptyChainVerifies(t *testing.T) {
	assert.True(t, VerifyChain(nil))
}

func TestSinkReceivesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewChainLogger(&buf)
	logger.Append("tx_id=a outcome=approved")
	logger.Append("tx_id=b outcome=approved")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "tx_id=a outcome=approved", record.Payload)
	assert.NotEmpty(t, record.Hash)
}

func TestConcurrentAppends(t *testing.T) {
	logger := NewChainLogger(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				logger.Append("payload")
			}
		}()
	}
	wg.Wait()

	chain := logger.Snapshot()
	assert.Len(t, chain, 400)
	assert.True(t, VerifyChain(chain))
}
