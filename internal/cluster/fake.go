package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// Fake is an in-memory Client for tests. It records the order of calls and
// supports per-operation error injection so failure sequences can be
// scripted without a live cluster.
type Fake struct {
	mu sync.Mutex

	secrets     map[string]*corev1.Secret
	deployments map[string]*appsv1.Deployment
	services    map[string]*corev1.Service

	// Calls is the ordered log of operations, e.g. "CreateWorkload agent-x".
	Calls []string

	// queued errors per operation name, consumed one per call
	errs map[string][]error

	// health verdicts per agent id, consumed one per call; when the queue
	// is empty a present+ready verdict is returned if the workload exists
	healths map[string][]*Health
}

// NewFake returns an empty fake cluster.
func NewFake() *Fake {
	return &Fake{
		secrets:     make(map[string]*corev1.Secret),
		deployments: make(map[string]*appsv1.Deployment),
		services:    make(map[string]*corev1.Service),
		errs:        make(map[string][]error),
		healths:     make(map[string][]*Health),
	}
}

// FailNext queues err to be returned by the next n calls to op
// (op is the method name, e.g. "CreateEndpoint").
func (f *Fake) FailNext(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.errs[op] = append(f.errs[op], err)
	}
}

// QueueHealth queues health verdicts returned by WorkloadHealth for agentID.
func (f *Fake) QueueHealth(agentID string, hs ...*Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healths[agentID] = append(f.healths[agentID], hs...)
}

// CallCount returns how many logged calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// CallLog returns a copy of the ordered call log.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

// HasSecret reports whether the named credential object exists.
func (f *Fake) HasSecret(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.secrets[name]
	return ok
}

// HasDeployment reports whether the named workload exists.
func (f *Fake) HasDeployment(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deployments[name]
	return ok
}

// HasService reports whether the named endpoint exists.
func (f *Fake) HasService(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.services[name]
	return ok
}

func (f *Fake) record(op, name string) {
	f.Calls = append(f.Calls, fmt.Sprintf("%s %s", op, name))
}

func (f *Fake) popErr(op string) error {
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func notFoundErr(op, name string) error {
	return &Error{Class: ClassNotFound, Op: op, Err: fmt.Errorf("%s not found", name)}
}

func conflictErr(op, name string) error {
	return &Error{Class: ClassConflict, Op: op, Err: fmt.Errorf("%s already exists", name)}
}

func (f *Fake) CreateCredential(ctx context.Context, secret *corev1.Secret) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateCredential", secret.Name)
	if err := f.popErr("CreateCredential"); err != nil {
		return "", err
	}
	if _, ok := f.secrets[secret.Name]; ok {
		return "", conflictErr("create credential", secret.Name)
	}
	f.secrets[secret.Name] = secret.DeepCopy()
	return secret.Name, nil
}

func (f *Fake) GetCredential(ctx context.Context, handle string) (*corev1.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetCredential", handle)
	if err := f.popErr("GetCredential"); err != nil {
		return nil, err
	}
	secret, ok := f.secrets[handle]
	if !ok {
		return nil, notFoundErr("get credential", handle)
	}
	return secret.DeepCopy(), nil
}

func (f *Fake) DeleteCredential(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteCredential", handle)
	if err := f.popErr("DeleteCredential"); err != nil {
		return err
	}
	if _, ok := f.secrets[handle]; !ok {
		return notFoundErr("delete credential", handle)
	}
	delete(f.secrets, handle)
	return nil
}

func (f *Fake) CreateWorkload(ctx context.Context, dep *appsv1.Deployment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateWorkload", dep.Name)
	if err := f.popErr("CreateWorkload"); err != nil {
		return "", err
	}
	if _, ok := f.deployments[dep.Name]; ok {
		return "", conflictErr("create workload", dep.Name)
	}
	f.deployments[dep.Name] = dep.DeepCopy()
	return dep.Name, nil
}

func (f *Fake) GetWorkload(ctx context.Context, handle string) (*appsv1.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetWorkload", handle)
	if err := f.popErr("GetWorkload"); err != nil {
		return nil, err
	}
	dep, ok := f.deployments[handle]
	if !ok {
		return nil, notFoundErr("get workload", handle)
	}
	return dep.DeepCopy(), nil
}

func (f *Fake) DeleteWorkload(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteWorkload", handle)
	if err := f.popErr("DeleteWorkload"); err != nil {
		return err
	}
	if _, ok := f.deployments[handle]; !ok {
		return notFoundErr("delete workload", handle)
	}
	delete(f.deployments, handle)
	return nil
}

func (f *Fake) CreateEndpoint(ctx context.Context, svc *corev1.Service) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateEndpoint", svc.Name)
	if err := f.popErr("CreateEndpoint"); err != nil {
		return "", err
	}
	if _, ok := f.services[svc.Name]; ok {
		return "", conflictErr("create endpoint", svc.Name)
	}
	f.services[svc.Name] = svc.DeepCopy()
	return svc.Name, nil
}

func (f *Fake) GetEndpoint(ctx context.Context, handle string) (*corev1.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetEndpoint", handle)
	if err := f.popErr("GetEndpoint"); err != nil {
		return nil, err
	}
	svc, ok := f.services[handle]
	if !ok {
		return nil, notFoundErr("get endpoint", handle)
	}
	return svc.DeepCopy(), nil
}

func (f *Fake) DeleteEndpoint(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteEndpoint", handle)
	if err := f.popErr("DeleteEndpoint"); err != nil {
		return err
	}
	if _, ok := f.services[handle]; !ok {
		return notFoundErr("delete endpoint", handle)
	}
	delete(f.services, handle)
	return nil
}

func (f *Fake) WorkloadHealth(ctx context.Context, agentID string) (*Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("WorkloadHealth", agentID)
	if err := f.popErr("WorkloadHealth"); err != nil {
		return nil, err
	}
	if q := f.healths[agentID]; len(q) > 0 {
		f.healths[agentID] = q[1:]
		return q[0], nil
	}
	if _, ok := f.deployments[agentID]; ok {
		return &Health{Present: true, Ready: true}, nil
	}
	return &Health{Present: false}, nil
}

func (f *Fake) HealthCheck(ctx context.Context) error {
	return nil
}

var (
	_ Client = (*Fake)(nil)

	// ErrInjected is a convenience error for scripted failures in tests.
	ErrInjected = errors.New("injected failure")
)
