package controlloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeGlobalRPSFirstCallEstablishesBaseline(t *testing.T) {
	l := &Loop{}
	rps := l.computeGlobalRPS(map[string]interface{}{"requests": 100})
	assert.Equal(t, 0.0, rps)
	assert.NotNil(t, l.prevNginxRequests)
	assert.Equal(t, 100, *l.prevNginxRequests)
}

func TestComputeGlobalRPSMissingRequestsKey(t *testing.T) {
	l := &Loop{}
	rps := l.computeGlobalRPS(map[string]interface{}{})
	assert.Equal(t, 0.0, rps)
}

func TestComputeGlobalRPSComputesDeltaOverTime(t *testing.T) {
	l := &Loop{}
	prevReq := 100
	prevTime := float64(time.Now().Unix()) - 10 // pretend the last tick was 10s ago
	l.prevNginxRequests = &prevReq
	l.prevNginxTime = &prevTime

	rps := l.computeGlobalRPS(map[string]interface{}{"requests": 150})

	// 50 requests over ~10 seconds.
	assert.InDelta(t, 5.0, rps, 1.0)
}

func TestComputeGlobalRPSNegativeDeltaIsIgnored(t *testing.T) {
	l := &Loop{}
	prevReq := 500
	prevTime := float64(time.Now().Unix()) - 5
	l.prevNginxRequests = &prevReq
	l.prevNginxTime = &prevTime

	// nginx restarted and its counter reset below the previous reading.
	rps := l.computeGlobalRPS(map[string]interface{}{"requests": 10})

	assert.Equal(t, 0.0, rps)
}

func TestIntFromMap(t *testing.T) {
	assert.Equal(t, 42, intFromMap(map[string]interface{}{"active_connections": 42}, "active_connections"))
	assert.Equal(t, 0, intFromMap(map[string]interface{}{}, "active_connections"))
	assert.Equal(t, 0, intFromMap(map[string]interface{}{"active_connections": "not-an-int"}, "active_connections"))
}

func TestNewAppliesDefaultInterval(t *testing.T) {
	l := New(nil, nil, nil, nil, nil, 0)
	assert.Equal(t, 10*time.Second, l.interval)

	l2 := New(nil, nil, nil, nil, nil, 30)
	assert.Equal(t, 30*time.Second, l2.interval)
}
