package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/synapsefleet/synapse/internal/ids"
)

// FakeCloudProvider is an in-memory CloudProvider for tests: it never
// talks to a real API, just tracks instance state transitions.
type FakeCloudProvider struct {
	mu        sync.Mutex
	instances map[string]*InstanceInfo
	LaunchErr error
}

// NewFakeCloudProvider returns a CloudProvider backed by an in-memory
// instance table, ready to pass straight into New.
func NewFakeCloudProvider() (CloudProvider, *FakeCloudProvider) {
	f := &FakeCloudProvider{instances: make(map[string]*InstanceInfo)}
	return CloudProvider{
		Launch:          f.launch,
		Describe:        f.describe,
		Stop:            f.stop,
		Start:           f.start,
		ModifyType:      f.modifyType,
		Terminate:       f.terminate,
		ReleasePublicIP: f.releasePublicIP,
	}, f
}

func (f *FakeCloudProvider) launch(_ context.Context, spec LaunchSpec) (InstanceInfo, error) {
	if f.LaunchErr != nil {
		return InstanceInfo{}, f.LaunchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "i-" + ids.New()[:8]
	info := InstanceInfo{
		InstanceID:       id,
		Region:           "fake-region-1",
		AvailabilityZone: "fake-region-1a",
		PrivateIP:        fmt.Sprintf("10.0.0.%d", len(f.instances)+1),
		Status:           "running",
	}
	f.instances[id] = &info
	return info, nil
}

func (f *FakeCloudProvider) describe(_ context.Context, instanceID string) (InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.instances[instanceID]
	if !ok {
		return InstanceInfo{}, fmt.Errorf("fake cloud: unknown instance %s", instanceID)
	}
	return *info, nil
}

func (f *FakeCloudProvider) stop(_ context.Context, instanceID string) error {
	return f.setStatus(instanceID, "stopped")
}

func (f *FakeCloudProvider) start(_ context.Context, instanceID string) error {
	return f.setStatus(instanceID, "running")
}

func (f *FakeCloudProvider) modifyType(_ context.Context, instanceID, _ string) error {
	return f.setStatus(instanceID, "stopped")
}

func (f *FakeCloudProvider) terminate(_ context.Context, instanceID string) error {
	return f.setStatus(instanceID, "terminated")
}

func (f *FakeCloudProvider) releasePublicIP(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("fake cloud: unknown instance %s", instanceID)
	}
	info.PublicIP = ""
	return nil
}

func (f *FakeCloudProvider) setStatus(instanceID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("fake cloud: unknown instance %s", instanceID)
	}
	info.Status = status
	return nil
}

// FakeHealthChecker reports instances healthy once their IP is in the
// Healthy set, letting tests control exactly when awaitReady succeeds.
type FakeHealthChecker struct {
	mu      sync.Mutex
	Healthy map[string]bool
}

func NewFakeHealthChecker() *FakeHealthChecker {
	return &FakeHealthChecker{Healthy: make(map[string]bool)}
}

func (f *FakeHealthChecker) CheckHealthy(_ context.Context, ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Healthy[ip]
}

func (f *FakeHealthChecker) MarkHealthy(ip string) {
	f.mu.Lock()
	f.Healthy[ip] = true
	f.mu.Unlock()
}
