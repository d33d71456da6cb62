package appmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arjuuuuunnnnn/orchestry/internal/specs"
)

func TestNextFreeIndexReusesLowestGap(t *testing.T) {
	m := &Manager{replicas: map[string][]*Replica{
		"web": {{Index: 0}, {Index: 1}, {Index: 3}},
	}}

	assert.Equal(t, 2, m.nextFreeIndex("web"))
}

func TestNextFreeIndexOnEmptyApp(t *testing.T) {
	m := &Manager{replicas: map[string][]*Replica{}}
	assert.Equal(t, 0, m.nextFreeIndex("web"))
}

func TestReplicaCount(t *testing.T) {
	m := &Manager{replicas: map[string][]*Replica{"web": {{}, {}}}}
	assert.Equal(t, 2, m.replicaCount("web"))
	assert.Equal(t, 0, m.replicaCount("ghost"))
}

func TestFirstPortUsesSpecOrDefault(t *testing.T) {
	assert.Equal(t, 8080, firstPort(nil))

	spec := &specs.AppSpec{}
	spec.Spec.Ports = []specs.PortSpec{{ContainerPort: 9090}}
	assert.Equal(t, 9090, firstPort(spec))

	assert.Equal(t, 8080, firstPort(&specs.AppSpec{}))
}

func TestReplicaIndexFromLabel(t *testing.T) {
	assert.Equal(t, 3, replicaIndexFromLabel(map[string]string{"orchestry.replica": "3"}))
	assert.Equal(t, 0, replicaIndexFromLabel(map[string]string{"orchestry.replica": "not-a-number"}))
	assert.Equal(t, 0, replicaIndexFromLabel(nil))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdefghijkl", shortID("abcdefghijklmnopqrst"))
	assert.Equal(t, "short", shortID("short"))
}

func TestParseResourcesMillicoresAndMebibytes(t *testing.T) {
	cpu, mem := parseResources(&specs.ResourceSpec{CPU: "500m", Memory: "256Mi"})
	assert.Equal(t, int64(500_000_000), cpu)
	assert.Equal(t, int64(256*1024*1024), mem)
}

func TestParseResourcesWholeCoresAndGibibytes(t *testing.T) {
	cpu, mem := parseResources(&specs.ResourceSpec{CPU: "2", Memory: "1Gi"})
	assert.Equal(t, int64(2_000_000_000), cpu)
	assert.Equal(t, int64(1024*1024*1024), mem)
}

func TestParseResourcesNilIsZero(t *testing.T) {
	cpu, mem := parseResources(nil)
	assert.Equal(t, int64(0), cpu)
	assert.Equal(t, int64(0), mem)
}
