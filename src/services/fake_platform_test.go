package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	testclock "k8s.io/utils/clock/testing"

	"me.sttot/gclb-cert/src/models"
)

// fakePlatform 内存中的平台，遵守和真实平台相同的限制：
// 证书不可原地修改，被代理引用的证书不能删除，代理只能引用存在的证书。
type fakePlatform struct {
	mu          sync.Mutex
	certs       map[string]*models.CertificateRecord
	proxies     map[string]*models.ProxyRecord
	generation  int
	operations  int
	calls       []string
	failures    map[string]error
	getFailures map[string]error
	conflicts   map[string]int
	setAttempts map[string]int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		certs:       map[string]*models.CertificateRecord{},
		proxies:     map[string]*models.ProxyRecord{},
		failures:    map[string]error{},
		getFailures: map[string]error{},
		conflicts:   map[string]int{},
		setAttempts: map[string]int{},
	}
}

// link 每次创建都会得到新的链接，便于检查是否重新读取
func (f *fakePlatform) link(name string) string {
	f.generation++
	return fmt.Sprintf("projects/p/global/sslCertificates/%s/%d", name, f.generation)
}

func linkName(link string) string {
	parts := strings.Split(link, "/")
	if len(parts) < 2 {
		return link
	}
	return parts[len(parts)-2]
}

func (f *fakePlatform) addCertificate(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := f.link(name)
	f.certs[name] = &models.CertificateRecord{Name: name, SelfLink: link, CertificatePEM: []byte("old " + name)}
	return link
}

func (f *fakePlatform) addProxy(name string, refs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies[name] = &models.ProxyRecord{
		Name:                  name,
		Kind:                  models.ProxyKindHTTPS,
		CertificateReferences: refs,
		Fingerprint:           "fp-0",
	}
}

func (f *fakePlatform) selfLinkOf(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cert, ok := f.certs[name]; ok {
		return cert.SelfLink
	}
	return ""
}

func (f *fakePlatform) proxyRefs(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.proxies[name].CertificateReferences...)
}

func (f *fakePlatform) certificateNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.certs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakePlatform) recordedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePlatform) failOnce(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[call] = err
}

func (f *fakePlatform) takeFailure(call string) error {
	if err, ok := f.failures[call]; ok {
		delete(f.failures, call)
		return err
	}
	return nil
}

func (f *fakePlatform) newOperation() *models.Operation {
	f.operations++
	return &models.Operation{Name: fmt.Sprintf("operation-%d", f.operations), Status: models.OperationRunning}
}

func (f *fakePlatform) referenced(link string) bool {
	for _, proxy := range f.proxies {
		if proxy.References(link) {
			return true
		}
	}
	return false
}

func (f *fakePlatform) Get(_ context.Context, alias string) (*models.CertificateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.getFailures[alias]; ok {
		return nil, err
	}
	cert, ok := f.certs[alias]
	if !ok {
		return nil, &NotFoundError{Kind: "certificate", Name: alias}
	}
	copied := *cert
	return &copied, nil
}

func (f *fakePlatform) Insert(_ context.Context, record *models.CertificateRecord) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "insert " + record.Name
	f.calls = append(f.calls, call)
	if err := f.takeFailure(call); err != nil {
		return nil, err
	}
	if _, exists := f.certs[record.Name]; exists {
		return nil, &PlatformError{Resource: record.Name, Action: "insert", Err: errors.New("already exists")}
	}
	f.certs[record.Name] = &models.CertificateRecord{
		Name:           record.Name,
		CertificatePEM: record.CertificatePEM,
		PrivateKeyPEM:  record.PrivateKeyPEM,
		SelfLink:       f.link(record.Name),
	}
	return f.newOperation(), nil
}

func (f *fakePlatform) Delete(_ context.Context, alias string) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "delete " + alias
	f.calls = append(f.calls, call)
	if err := f.takeFailure(call); err != nil {
		return nil, err
	}
	cert, ok := f.certs[alias]
	if !ok {
		return nil, &NotFoundError{Kind: "certificate", Name: alias}
	}
	if f.referenced(cert.SelfLink) {
		return nil, &PlatformError{Resource: alias, Action: "delete", Err: errors.New("resource is in use by a proxy")}
	}
	delete(f.certs, alias)
	return f.newOperation(), nil
}

func (f *fakePlatform) List(_ context.Context, fn func(*models.CertificateRecord) error) error {
	for _, name := range f.certificateNames() {
		record, err := f.Get(context.Background(), name)
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePlatform) Wait(_ context.Context, op *models.Operation) (*models.Operation, error) {
	return &models.Operation{Name: op.Name, Status: models.OperationDone}, nil
}

// fakeProxies 平台的代理部分，方法名与证书部分冲突，所以单独成型
type fakeProxies struct {
	*fakePlatform
}

func (p fakeProxies) List(_ context.Context) ([]*models.ProxyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name := range p.proxies {
		names = append(names, name)
	}
	sort.Strings(names)

	var proxies []*models.ProxyRecord
	for _, name := range names {
		copied := *p.proxies[name]
		copied.CertificateReferences = append([]string(nil), copied.CertificateReferences...)
		proxies = append(proxies, &copied)
	}
	return proxies, nil
}

func (p fakeProxies) Get(_ context.Context, proxy *models.ProxyRecord) (*models.ProxyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.proxies[proxy.Name]
	if !ok {
		return nil, &NotFoundError{Kind: "proxy", Name: proxy.Name}
	}
	copied := *current
	copied.CertificateReferences = append([]string(nil), current.CertificateReferences...)
	return &copied, nil
}

func (p fakeProxies) SetCertificates(_ context.Context, proxy *models.ProxyRecord, refs []string) (*models.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setAttempts[proxy.Name]++

	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, linkName(ref))
	}
	p.calls = append(p.calls, fmt.Sprintf("set %s %s", proxy.Name, strings.Join(names, ",")))
	if err := p.takeFailure("set " + proxy.Name); err != nil {
		return nil, err
	}

	current := p.proxies[proxy.Name]
	if p.conflicts[proxy.Name] > 0 {
		// 模拟其他操作者在读取后修改了代理
		p.conflicts[proxy.Name]--
		current.Fingerprint += "'"
	}
	if proxy.Fingerprint != current.Fingerprint {
		return nil, &ConflictError{Proxy: proxy.Name}
	}
	for _, ref := range refs {
		cert, ok := p.certs[linkName(ref)]
		if !ok || cert.SelfLink != ref {
			return nil, &PlatformError{Resource: proxy.Name, Action: "set certificates", Err: fmt.Errorf("certificate %s does not exist", ref)}
		}
	}
	current.CertificateReferences = append([]string(nil), refs...)
	current.Fingerprint = fmt.Sprintf("fp-%d", p.setAttempts[proxy.Name])
	return p.newOperation(), nil
}

// recordingRebinder 只记录调用，用于验证状态机的步骤顺序
type recordingRebinder struct {
	platform *fakePlatform
}

func (r recordingRebinder) Rebind(_ context.Context, oldRef, newRef string) (int, error) {
	r.platform.mu.Lock()
	defer r.platform.mu.Unlock()
	r.platform.calls = append(r.platform.calls, fmt.Sprintf("rebind %s -> %s", linkName(oldRef), linkName(newRef)))
	return 0, nil
}

func newTestPoller(waiter OperationWaiter) *OperationPoller {
	return NewOperationPoller(waiter, PollerOptions{Clock: testclock.NewFakeClock(time.Now())})
}
