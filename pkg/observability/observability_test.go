package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "triflow", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())

	ctx, done := p.TrackOperation(context.Background(), "judge", attribute.String("script_id", "s"))
	require.NotNil(t, ctx)
	done(contracts.NewError(contracts.KindSandboxTimeout, "time_exhausted", "slow"))
	p.RecordVerdict(ctx, contracts.Verdict{Outcome: contracts.OutcomeNormal})
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "run")
	require.NotNil(t, ctx)
	done(errors.New("boom"))
	done(nil)
	p.RecordVerdict(ctx, contracts.Verdict{})
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "LoopOverrun", errorKind(contracts.NewError(contracts.KindLoopOverrun, "", "x")))
	require.Equal(t, "*errors.errorString", errorKind(errors.New("plain")))
}
