package models

import (
	"fmt"
	"strings"
	"time"
)

// TempAliasSuffix 轮换期间临时别名使用的后缀
const TempAliasSuffix = "-temp"

// 长时操作状态
const (
	OperationPending = "PENDING"
	OperationRunning = "RUNNING"
	OperationDone    = "DONE"
)

// ProxyKind 代理资源类型
type ProxyKind string

const (
	ProxyKindHTTPS ProxyKind = "targetHttpsProxy"
	ProxyKindSSL   ProxyKind = "targetSslProxy"
)

type SecretRef struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
}

func (r SecretRef) String() string {
	return r.Namespace + "/" + r.Name
}

// Scope 描述操作的目标项目及可选区域，区域为空时使用全局资源
type Scope struct {
	Project string `json:"project" yaml:"project"`
	Region  string `json:"region,omitempty" yaml:"region,omitempty"`
}

// ParseScope 解析 project[/region] 形式的存储路径
func ParseScope(storePath string) (Scope, error) {
	parts := strings.Split(strings.Trim(storePath, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Scope{Project: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Scope{Project: parts[0], Region: parts[1]}, nil
	default:
		return Scope{}, fmt.Errorf("invalid store path %q, expected project[/region]", storePath)
	}
}

// Global 是否为全局范围
func (s Scope) Global() bool {
	return s.Region == ""
}

func (s Scope) String() string {
	if s.Global() {
		return s.Project + "/global"
	}
	return s.Project + "/" + s.Region
}

// CertificateRecord 平台上的一个证书资源，创建后不可修改
type CertificateRecord struct {
	Name              string `json:"name" yaml:"name"`
	CertificatePEM    []byte `json:"-" yaml:"-"`
	PrivateKeyPEM     []byte `json:"-" yaml:"-"`
	SelfLink          string `json:"selfLink,omitempty" yaml:"selfLink,omitempty"`
	Managed           bool   `json:"managed,omitempty" yaml:"managed,omitempty"`
	ExpireTime        string `json:"expireTime,omitempty" yaml:"expireTime,omitempty"`
	CreationTimestamp string `json:"creationTimestamp,omitempty" yaml:"creationTimestamp,omitempty"`
}

// ProxyRecord 引用证书的负载均衡代理
type ProxyRecord struct {
	Name                  string    `json:"name" yaml:"name"`
	Kind                  ProxyKind `json:"kind" yaml:"kind"`
	CertificateReferences []string  `json:"sslCertificates" yaml:"sslCertificates"`
	// Fingerprint 平台提供的乐观锁标记，为空时写入不做冲突检测
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// References 代理是否引用了给定的证书链接
func (p *ProxyRecord) References(selfLink string) bool {
	for _, ref := range p.CertificateReferences {
		if ref == selfLink {
			return true
		}
	}
	return false
}

// Operation 平台返回的长时操作
type Operation struct {
	Name       string `json:"name" yaml:"name"`
	Status     string `json:"status" yaml:"status"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	HTTPStatus int    `json:"httpStatus,omitempty" yaml:"httpStatus,omitempty"`
	TargetLink string `json:"targetLink,omitempty" yaml:"targetLink,omitempty"`
}

// Done 操作是否已完成
func (o *Operation) Done() bool {
	return o == nil || strings.EqualFold(o.Status, OperationDone)
}

// Failed 平台是否报告了操作失败
func (o *Operation) Failed() bool {
	return o != nil && (o.Error != "" || o.HTTPStatus >= 400)
}

// RotationRequest 一次证书轮换的输入
type RotationRequest struct {
	Alias       string
	Certificate []byte
	PrivateKey  []byte
	Overwrite   bool
}

// TempAlias 轮换使用的临时别名
func (r *RotationRequest) TempAlias() string {
	return r.Alias + TempAliasSuffix
}

// CertificateBinding 同步配置中的一项：Kubernetes TLS Secret 到负载均衡证书别名
type CertificateBinding struct {
	Alias     string    `json:"alias,omitempty" yaml:"alias,omitempty"`
	Secret    SecretRef `json:"secret" yaml:"secret"`
	Overwrite bool      `json:"overwrite" yaml:"overwrite"`
}

// SyncConfig 同步配置文档
type SyncConfig struct {
	Certificates []CertificateBinding `json:"certificates" yaml:"certificates"`
}

// SyncRecord 记录某个别名最近一次成功同步的证书
type SyncRecord struct {
	Alias       string    `json:"alias" yaml:"alias"`
	Secret      SecretRef `json:"secret" yaml:"secret"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	SyncedAt    time.Time `json:"synced_at" yaml:"synced_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// CertificateContext 用于持久化存储同步状态
type CertificateContext struct {
	Certificates map[string]SyncRecord `json:"certificates" yaml:"certificates"`
}

// InventoryItem 清单中的一个证书
type InventoryItem struct {
	Alias        string    `json:"alias" yaml:"alias"`
	SelfLink     string    `json:"selfLink" yaml:"selfLink"`
	Managed      bool      `json:"managed" yaml:"managed"`
	Certificate  string    `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	NeedsRenewal bool      `json:"needs_renewal" yaml:"needs_renewal"`
}
