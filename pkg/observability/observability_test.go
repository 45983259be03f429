package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoOp(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig())
	require.NoError(t, err)

	// No exporters are wired; recording must be safe.
	ctx, span := p.StartCycle(context.Background(), "act-1")
	p.RecordDecision(ctx, "ACTUATE", "")
	p.RecordDecision(ctx, "REJECT", "STALE_ANCHOR")
	p.RecordProbeViolation(ctx, "anchor-single-use")
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitNilConfigDefaults(t *testing.T) {
	p, err := Init(context.Background(), nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
