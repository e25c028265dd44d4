package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/compute/v1"

	"me.sttot/gclb-cert/src/models"
)

// fakeCompute 按 "METHOD path" 分发请求的 Compute Engine API 替身
type fakeCompute struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []string
}

func newFakeCompute(t *testing.T) (*fakeCompute, *compute.Service) {
	fake := &fakeCompute{t: t, handlers: map[string]http.HandlerFunc{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	service, err := NewComputeService(context.Background(), GCPOptions{Endpoint: server.URL + "/"})
	require.NoError(t, err)
	return fake, service
}

func (f *fakeCompute) handle(pattern string, handler http.HandlerFunc) {
	f.handlers[pattern] = handler
}

func (f *fakeCompute) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeCompute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.requests = append(f.requests, key)
	f.mu.Unlock()

	handler, ok := f.handlers[key]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "no handler for "+key)
		return
	}
	handler(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

func respondOperation(name, status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.Operation{Name: name, Status: status})
	}
}

var globalScope = models.Scope{Project: "p"}

func TestGCPCertificateRepositoryGet(t *testing.T) {
	fake, service := newFakeCompute(t)
	fake.handle("GET /projects/p/global/sslCertificates/site-cert", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.SslCertificate{
			Name:        "site-cert",
			Certificate: "-----BEGIN CERTIFICATE-----",
			SelfLink:    "https://compute.googleapis.com/compute/v1/projects/p/global/sslCertificates/site-cert",
			ExpireTime:  "2027-01-01T00:00:00.000-08:00",
		})
	})
	fake.handle("GET /projects/p/global/sslCertificates/managed-cert", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.SslCertificate{Name: "managed-cert", Type: "MANAGED"})
	})
	repo := NewGCPCertificateRepository(service, globalScope)

	record, err := repo.Get(context.Background(), "site-cert")
	require.NoError(t, err)
	assert.Equal(t, "site-cert", record.Name)
	assert.Equal(t, "https://compute.googleapis.com/compute/v1/projects/p/global/sslCertificates/site-cert", record.SelfLink)
	assert.Equal(t, []byte("-----BEGIN CERTIFICATE-----"), record.CertificatePEM)
	assert.False(t, record.Managed)

	_, err = repo.Get(context.Background(), "missing")
	assert.True(t, IsNotFound(err))

	// 尚未签发的托管证书没有内容
	_, err = repo.Get(context.Background(), "managed-cert")
	assert.True(t, IsNotFound(err))
}

func TestGCPCertificateRepositoryInsertAndDelete(t *testing.T) {
	fake, service := newFakeCompute(t)
	var inserted compute.SslCertificate
	fake.handle("POST /projects/p/regions/r/sslCertificates", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
		writeJSON(w, &compute.Operation{Name: "operation-insert", Status: "RUNNING"})
	})
	fake.handle("DELETE /projects/p/regions/r/sslCertificates/site-cert", respondOperation("operation-delete", "PENDING"))
	fake.handle("DELETE /projects/p/regions/r/sslCertificates/in-use", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusBadRequest, "The ssl_certificate resource is already being used by a target proxy")
	})
	repo := NewGCPCertificateRepository(service, models.Scope{Project: "p", Region: "r"})

	op, err := repo.Insert(context.Background(), &models.CertificateRecord{
		Name:           "site-cert",
		CertificatePEM: []byte("cert"),
		PrivateKeyPEM:  []byte("key"),
	})
	require.NoError(t, err)
	assert.Equal(t, &models.Operation{Name: "operation-insert", Status: "RUNNING"}, op)
	assert.Equal(t, "site-cert", inserted.Name)
	assert.Equal(t, "cert", inserted.Certificate)
	assert.Equal(t, "key", inserted.PrivateKey)

	op, err = repo.Delete(context.Background(), "site-cert")
	require.NoError(t, err)
	assert.Equal(t, "operation-delete", op.Name)
	assert.False(t, op.Done())

	_, err = repo.Delete(context.Background(), "in-use")
	require.Error(t, err)
	assert.True(t, IsPlatform(err))
	assert.Contains(t, err.Error(), "already being used")
}

func TestGCPCertificateRepositoryListPages(t *testing.T) {
	fake, service := newFakeCompute(t)
	fake.handle("GET /projects/p/global/sslCertificates", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, &compute.SslCertificateList{
				Items:         []*compute.SslCertificate{{Name: "a", Certificate: "pem-a"}},
				NextPageToken: "page-2",
			})
			return
		}
		assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
		writeJSON(w, &compute.SslCertificateList{
			Items: []*compute.SslCertificate{{
				Name:        "b",
				Type:        "MANAGED",
				SelfManaged: &compute.SslCertificateSelfManagedSslCertificate{Certificate: "pem-b"},
			}},
		})
	})
	repo := NewGCPCertificateRepository(service, globalScope)

	var records []*models.CertificateRecord
	require.NoError(t, repo.List(context.Background(), func(record *models.CertificateRecord) error {
		records = append(records, record)
		return nil
	}))
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Name)
	assert.Equal(t, "b", records[1].Name)
	assert.True(t, records[1].Managed)
	assert.Equal(t, []byte("pem-b"), records[1].CertificatePEM)
	assert.Len(t, fake.recorded(), 2)
}

func TestGCPOperationWaiter(t *testing.T) {
	fake, service := newFakeCompute(t)
	fake.handle("POST /projects/p/global/operations/operation-1/wait", respondOperation("operation-1", "DONE"))
	fake.handle("POST /projects/p/regions/r/operations/operation-2/wait", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.Operation{
			Name:   "operation-2",
			Status: "DONE",
			Error: &compute.OperationError{Errors: []*compute.OperationErrorErrors{
				{Code: "RESOURCE_IN_USE_BY_ANOTHER_RESOURCE", Message: "in use"},
			}},
		})
	})
	fake.handle("POST /projects/p/global/operations/operation-3/wait", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusServiceUnavailable, "backend unavailable")
	})

	op, err := NewGCPOperationWaiter(service, globalScope).Wait(context.Background(), &models.Operation{Name: "operation-1"})
	require.NoError(t, err)
	assert.True(t, op.Done())
	assert.False(t, op.Failed())

	op, err = NewGCPOperationWaiter(service, models.Scope{Project: "p", Region: "r"}).Wait(context.Background(), &models.Operation{Name: "operation-2"})
	require.NoError(t, err)
	assert.True(t, op.Failed())
	assert.Equal(t, "RESOURCE_IN_USE_BY_ANOTHER_RESOURCE: in use", op.Error)

	_, err = NewGCPOperationWaiter(service, globalScope).Wait(context.Background(), &models.Operation{Name: "operation-3"})
	require.Error(t, err)
	assert.True(t, isTransient(err))
}

func TestGCPProxyRepository(t *testing.T) {
	fake, service := newFakeCompute(t)
	fake.handle("GET /projects/p/global/targetHttpsProxies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.TargetHttpsProxyList{Items: []*compute.TargetHttpsProxy{
			{Name: "https-proxy", SslCertificates: []string{"cert-a"}, Fingerprint: "fp-1"},
		}})
	})
	fake.handle("GET /projects/p/global/targetSslProxies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.TargetSslProxyList{Items: []*compute.TargetSslProxy{
			{Name: "ssl-proxy", SslCertificates: []string{"cert-a", "cert-b"}},
		}})
	})
	var patched compute.TargetHttpsProxy
	fake.handle("PATCH /projects/p/global/targetHttpsProxies/https-proxy", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		if patched.Fingerprint != "fp-1" {
			writeAPIError(w, http.StatusPreconditionFailed, "fingerprint mismatch")
			return
		}
		writeJSON(w, &compute.Operation{Name: "operation-patch", Status: "RUNNING"})
	})
	var sslRequest compute.TargetSslProxiesSetSslCertificatesRequest
	fake.handle("POST /projects/p/global/targetSslProxies/ssl-proxy/setSslCertificates", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sslRequest))
		writeJSON(w, &compute.Operation{Name: "operation-ssl", Status: "DONE"})
	})
	repo := NewGCPProxyRepository(service, globalScope)

	proxies, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	assert.Equal(t, &models.ProxyRecord{
		Name:                  "https-proxy",
		Kind:                  models.ProxyKindHTTPS,
		CertificateReferences: []string{"cert-a"},
		Fingerprint:           "fp-1",
	}, proxies[0])
	assert.Equal(t, models.ProxyKindSSL, proxies[1].Kind)

	op, err := repo.SetCertificates(context.Background(), proxies[0], []string{"cert-b"})
	require.NoError(t, err)
	assert.Equal(t, "operation-patch", op.Name)
	assert.Equal(t, []string{"cert-b"}, patched.SslCertificates)

	stale := *proxies[0]
	stale.Fingerprint = "fp-0"
	_, err = repo.SetCertificates(context.Background(), &stale, []string{"cert-b"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	op, err = repo.SetCertificates(context.Background(), proxies[1], []string{"cert-b"})
	require.NoError(t, err)
	assert.True(t, op.Done())
	assert.Equal(t, []string{"cert-b"}, sslRequest.SslCertificates)
}

func TestGCPProxyRepositoryRegional(t *testing.T) {
	fake, service := newFakeCompute(t)
	fake.handle("GET /projects/p/regions/r/targetHttpsProxies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.TargetHttpsProxyList{Items: []*compute.TargetHttpsProxy{{Name: "regional-proxy"}}})
	})
	fake.handle("GET /projects/p/regions/r/targetHttpsProxies/regional-proxy", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &compute.TargetHttpsProxy{Name: "regional-proxy", SslCertificates: []string{"cert-a"}, Fingerprint: "fp-2"})
	})
	repo := NewGCPProxyRepository(service, models.Scope{Project: "p", Region: "r"})

	proxies, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, proxies, 1)

	current, err := repo.Get(context.Background(), proxies[0])
	require.NoError(t, err)
	assert.Equal(t, "fp-2", current.Fingerprint)
	assert.Equal(t, []string{"cert-a"}, current.CertificateReferences)

	// 区域范围内不查询 SSL 代理
	assert.Equal(t, []string{
		"GET /projects/p/regions/r/targetHttpsProxies",
		"GET /projects/p/regions/r/targetHttpsProxies/regional-proxy",
	}, fake.recorded())

	_, err = repo.Get(context.Background(), &models.ProxyRecord{Name: "gone", Kind: models.ProxyKindHTTPS})
	assert.True(t, IsNotFound(err))
}
