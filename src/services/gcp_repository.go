package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

const userAgent = "gclb-cert"

// GCPOptions 连接 Compute Engine 所需的参数
type GCPOptions struct {
	// CredentialsJSON 服务账号密钥内容，优先于 CredentialsFile
	CredentialsJSON string
	CredentialsFile string
	// Endpoint 覆盖 API 地址，设置后不做认证
	Endpoint string
}

// NewComputeService 创建 Compute Engine 客户端，未提供密钥时使用应用默认凭据
func NewComputeService(ctx context.Context, opts GCPOptions) (*compute.Service, error) {
	clientOpts := []option.ClientOption{option.WithUserAgent(userAgent)}
	switch {
	case opts.Endpoint != "":
		utils.DebugLog("使用自定义API地址 %s", opts.Endpoint)
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	case opts.CredentialsJSON != "":
		utils.DebugLog("从参数加载服务账号密钥，长度 %d", len(opts.CredentialsJSON))
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)), option.WithScopes(compute.CloudPlatformScope))
	case opts.CredentialsFile != "":
		utils.DebugLog("从文件 %s 加载服务账号密钥", opts.CredentialsFile)
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile), option.WithScopes(compute.CloudPlatformScope))
	default:
		utils.DebugLog("使用应用默认凭据")
		clientOpts = append(clientOpts, option.WithScopes(compute.CloudPlatformScope))
	}

	service, err := compute.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create compute service")
	}
	return service, nil
}

// GCPCertificateRepository 基于 sslCertificates / regionSslCertificates 的证书仓库
type GCPCertificateRepository struct {
	service *compute.Service
	scope   models.Scope
}

func NewGCPCertificateRepository(service *compute.Service, scope models.Scope) *GCPCertificateRepository {
	utils.DebugLog("创建证书仓库，范围 %s", scope)
	return &GCPCertificateRepository{service: service, scope: scope}
}

func (r *GCPCertificateRepository) Get(ctx context.Context, alias string) (*models.CertificateRecord, error) {
	var (
		cert *compute.SslCertificate
		err  error
	)
	if r.scope.Global() {
		cert, err = r.service.SslCertificates.Get(r.scope.Project, alias).Context(ctx).Do()
	} else {
		cert, err = r.service.RegionSslCertificates.Get(r.scope.Project, r.scope.Region, alias).Context(ctx).Do()
	}
	if err != nil {
		return nil, translateError("certificate", alias, "get", err)
	}

	record := toCertificateRecord(cert)
	// 没有证书内容的资源视为不存在
	if len(record.CertificatePEM) == 0 {
		return nil, &NotFoundError{Kind: "certificate", Name: alias}
	}
	return record, nil
}

func (r *GCPCertificateRepository) Insert(ctx context.Context, record *models.CertificateRecord) (*models.Operation, error) {
	cert := &compute.SslCertificate{
		Name:        record.Name,
		Certificate: string(record.CertificatePEM),
		PrivateKey:  string(record.PrivateKeyPEM),
	}

	var (
		op  *compute.Operation
		err error
	)
	if r.scope.Global() {
		op, err = r.service.SslCertificates.Insert(r.scope.Project, cert).Context(ctx).Do()
	} else {
		op, err = r.service.RegionSslCertificates.Insert(r.scope.Project, r.scope.Region, cert).Context(ctx).Do()
	}
	if err != nil {
		return nil, translateError("certificate", record.Name, "insert", err)
	}
	return toOperation(op), nil
}

func (r *GCPCertificateRepository) Delete(ctx context.Context, alias string) (*models.Operation, error) {
	var (
		op  *compute.Operation
		err error
	)
	if r.scope.Global() {
		op, err = r.service.SslCertificates.Delete(r.scope.Project, alias).Context(ctx).Do()
	} else {
		op, err = r.service.RegionSslCertificates.Delete(r.scope.Project, r.scope.Region, alias).Context(ctx).Do()
	}
	if err != nil {
		return nil, translateError("certificate", alias, "delete", err)
	}
	return toOperation(op), nil
}

func (r *GCPCertificateRepository) List(ctx context.Context, fn func(*models.CertificateRecord) error) error {
	page := func(items []*compute.SslCertificate) error {
		utils.DebugLog("本页找到%d个证书", len(items))
		for _, item := range items {
			if err := fn(toCertificateRecord(item)); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if r.scope.Global() {
		err = r.service.SslCertificates.List(r.scope.Project).Pages(ctx, func(list *compute.SslCertificateList) error {
			return page(list.Items)
		})
	} else {
		err = r.service.RegionSslCertificates.List(r.scope.Project, r.scope.Region).Pages(ctx, func(list *compute.SslCertificateList) error {
			return page(list.Items)
		})
	}
	if err != nil {
		return translateError("certificates", r.scope.String(), "list", err)
	}
	return nil
}

// GCPOperationWaiter 通过 globalOperations / regionOperations 的 wait 接口查询操作
type GCPOperationWaiter struct {
	service *compute.Service
	scope   models.Scope
}

func NewGCPOperationWaiter(service *compute.Service, scope models.Scope) *GCPOperationWaiter {
	return &GCPOperationWaiter{service: service, scope: scope}
}

func (w *GCPOperationWaiter) Wait(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	var (
		res *compute.Operation
		err error
	)
	if w.scope.Global() {
		res, err = w.service.GlobalOperations.Wait(w.scope.Project, op.Name).Context(ctx).Do()
	} else {
		res, err = w.service.RegionOperations.Wait(w.scope.Project, w.scope.Region, op.Name).Context(ctx).Do()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "wait for operation %s", op.Name)
	}
	return toOperation(res), nil
}

func toCertificateRecord(cert *compute.SslCertificate) *models.CertificateRecord {
	record := &models.CertificateRecord{
		Name:              cert.Name,
		SelfLink:          cert.SelfLink,
		Managed:           cert.Type == "MANAGED",
		ExpireTime:        cert.ExpireTime,
		CreationTimestamp: cert.CreationTimestamp,
		CertificatePEM:    []byte(cert.Certificate),
	}
	if len(record.CertificatePEM) == 0 && cert.SelfManaged != nil {
		record.CertificatePEM = []byte(cert.SelfManaged.Certificate)
	}
	return record
}

func toOperation(op *compute.Operation) *models.Operation {
	if op == nil {
		return nil
	}
	res := &models.Operation{
		Name:       op.Name,
		Status:     op.Status,
		HTTPStatus: int(op.HttpErrorStatusCode),
		TargetLink: op.TargetLink,
	}
	if op.Error != nil {
		var msgs []string
		for _, e := range op.Error.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Code, e.Message))
		}
		res.Error = strings.Join(msgs, "; ")
		if res.Error == "" {
			res.Error = "operation reported an error"
		}
	}
	if res.Error == "" && res.HTTPStatus >= http.StatusBadRequest {
		res.Error = op.HttpErrorMessage
	}
	return res
}

// translateError 将 API 错误转换为 NotFoundError、ConflictError 或 PlatformError
func translateError(kind, name, action string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return &NotFoundError{Kind: kind, Name: name}
		case http.StatusPreconditionFailed:
			return &ConflictError{Proxy: name}
		}
	}
	return &PlatformError{Resource: fmt.Sprintf("%s %s", kind, name), Action: action, Err: err}
}
