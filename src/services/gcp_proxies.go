package services

import (
	"context"

	"google.golang.org/api/compute/v1"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

// GCPProxyRepository 访问 HTTPS 代理，全局范围内还包括 SSL 代理
type GCPProxyRepository struct {
	service *compute.Service
	scope   models.Scope
}

func NewGCPProxyRepository(service *compute.Service, scope models.Scope) *GCPProxyRepository {
	return &GCPProxyRepository{service: service, scope: scope}
}

func (r *GCPProxyRepository) List(ctx context.Context) ([]*models.ProxyRecord, error) {
	var proxies []*models.ProxyRecord
	appendHTTPS := func(list *compute.TargetHttpsProxyList) error {
		for _, p := range list.Items {
			proxies = append(proxies, httpsProxyRecord(p))
		}
		return nil
	}

	var err error
	if r.scope.Global() {
		err = r.service.TargetHttpsProxies.List(r.scope.Project).Pages(ctx, appendHTTPS)
	} else {
		err = r.service.RegionTargetHttpsProxies.List(r.scope.Project, r.scope.Region).Pages(ctx, appendHTTPS)
	}
	if err != nil {
		return nil, translateError("targetHttpsProxies", r.scope.String(), "list", err)
	}

	// SSL 代理只有全局资源
	if r.scope.Global() {
		err = r.service.TargetSslProxies.List(r.scope.Project).Pages(ctx, func(list *compute.TargetSslProxyList) error {
			for _, p := range list.Items {
				proxies = append(proxies, sslProxyRecord(p))
			}
			return nil
		})
		if err != nil {
			return nil, translateError("targetSslProxies", r.scope.String(), "list", err)
		}
	}

	utils.DebugLog("范围 %s 内共有%d个代理", r.scope, len(proxies))
	return proxies, nil
}

func (r *GCPProxyRepository) Get(ctx context.Context, proxy *models.ProxyRecord) (*models.ProxyRecord, error) {
	switch proxy.Kind {
	case models.ProxyKindSSL:
		p, err := r.service.TargetSslProxies.Get(r.scope.Project, proxy.Name).Context(ctx).Do()
		if err != nil {
			return nil, translateError("targetSslProxy", proxy.Name, "get", err)
		}
		return sslProxyRecord(p), nil
	default:
		var (
			p   *compute.TargetHttpsProxy
			err error
		)
		if r.scope.Global() {
			p, err = r.service.TargetHttpsProxies.Get(r.scope.Project, proxy.Name).Context(ctx).Do()
		} else {
			p, err = r.service.RegionTargetHttpsProxies.Get(r.scope.Project, r.scope.Region, proxy.Name).Context(ctx).Do()
		}
		if err != nil {
			return nil, translateError("targetHttpsProxy", proxy.Name, "get", err)
		}
		return httpsProxyRecord(p), nil
	}
}

// SetCertificates HTTPS 代理带指纹更新；SSL 代理没有指纹，直接替换
func (r *GCPProxyRepository) SetCertificates(ctx context.Context, proxy *models.ProxyRecord, refs []string) (*models.Operation, error) {
	var (
		op  *compute.Operation
		err error
	)
	switch proxy.Kind {
	case models.ProxyKindSSL:
		req := &compute.TargetSslProxiesSetSslCertificatesRequest{SslCertificates: refs}
		op, err = r.service.TargetSslProxies.SetSslCertificates(r.scope.Project, proxy.Name, req).Context(ctx).Do()
	default:
		patch := &compute.TargetHttpsProxy{
			SslCertificates: refs,
			Fingerprint:     proxy.Fingerprint,
		}
		if r.scope.Global() {
			op, err = r.service.TargetHttpsProxies.Patch(r.scope.Project, proxy.Name, patch).Context(ctx).Do()
		} else {
			op, err = r.service.RegionTargetHttpsProxies.Patch(r.scope.Project, r.scope.Region, proxy.Name, patch).Context(ctx).Do()
		}
	}
	if err != nil {
		return nil, translateError(string(proxy.Kind), proxy.Name, "set certificates of", err)
	}
	return toOperation(op), nil
}

func httpsProxyRecord(p *compute.TargetHttpsProxy) *models.ProxyRecord {
	return &models.ProxyRecord{
		Name:                  p.Name,
		Kind:                  models.ProxyKindHTTPS,
		CertificateReferences: append([]string(nil), p.SslCertificates...),
		Fingerprint:           p.Fingerprint,
	}
}

func sslProxyRecord(p *compute.TargetSslProxy) *models.ProxyRecord {
	return &models.ProxyRecord{
		Name:                  p.Name,
		Kind:                  models.ProxyKindSSL,
		CertificateReferences: append([]string(nil), p.SslCertificates...),
	}
}
