package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

func TestClassifyNilErrorDefaultsToServerError(t *testing.T) {
	c := Classify(nil)
	assert.Equal(t, types.PhaseServer, c.Phase)
	assert.Equal(t, 500, c.HTTPStatus)
}

func TestClassifyLocalSendPhaseCodes(t *testing.T) {
	for _, code := range []types.Code{
		types.CodeExecutionFailed, types.CodeConnectionFailed,
		types.CodeRequestTimeout, types.CodeInternalError,
	} {
		c := Classify(&types.PipelineError{Code: code, Source: types.SourceModule})
		assert.Equal(t, types.PhaseSend, c.Phase, "code %s", code)
		assert.Equal(t, 500, c.HTTPStatus, "code %s", code)
	}
}

func TestClassifyLocalReceivePhaseCodes(t *testing.T) {
	for _, code := range []types.Code{
		types.CodeExecutionTimeout, types.CodeResponseTimeout, types.CodeSystemOverload,
	} {
		c := Classify(&types.PipelineError{Code: code, Source: types.SourceModule})
		assert.Equal(t, types.PhaseReceive, c.Phase, "code %s", code)
		assert.Equal(t, 501, c.HTTPStatus, "code %s", code)
	}
}

func TestClassifyUpstreamSourceBypassesLocalClassification(t *testing.T) {
	// ConnectionFailed is a local code, but when it originates upstream
	// (source == upstream) it must fall through to the server status table.
	c := Classify(&types.PipelineError{Code: types.CodeConnectionFailed, Source: types.SourceUpstream})
	assert.Equal(t, types.PhaseServer, c.Phase)
	assert.Equal(t, 502, c.HTTPStatus)
}

func TestClassifyServerStatusTable(t *testing.T) {
	cases := map[types.Code]int{
		types.CodeAuthenticationFailed: 401,
		types.CodeAuthorizationFailed:  403,
		types.CodeTimeout:              504,
		types.CodeRateLimited:          429,
		types.CodeServerError:          500,
		types.CodeServiceUnavailable:   503,
	}
	for code, want := range cases {
		c := Classify(&types.PipelineError{Code: code, Source: types.SourceUpstream})
		assert.Equal(t, types.PhaseServer, c.Phase)
		assert.Equal(t, want, c.HTTPStatus, "code %s", code)
	}
}

func TestClassifyUnknownCodeDefaultsTo500(t *testing.T) {
	c := Classify(&types.PipelineError{Code: types.Code("something_unmapped"), Source: types.SourceUpstream})
	assert.Equal(t, types.PhaseServer, c.Phase)
	assert.Equal(t, 500, c.HTTPStatus)
}

func TestClassifyIsIdempotent(t *testing.T) {
	e := &types.PipelineError{Code: types.CodeConnectionFailed, Source: types.SourceModule}
	first := Classify(e)
	second := Classify(e)
	assert.Equal(t, first, second)
}
