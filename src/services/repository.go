package services

import (
	"context"

	"me.sttot/gclb-cert/src/models"
)

// CertificateRepository 证书资源的访问接口，所有网络调用都在其实现中
type CertificateRepository interface {
	// Get 按别名读取证书，不存在时返回 *NotFoundError
	Get(ctx context.Context, alias string) (*models.CertificateRecord, error)
	Insert(ctx context.Context, record *models.CertificateRecord) (*models.Operation, error)
	Delete(ctx context.Context, alias string) (*models.Operation, error)
	// List 逐页遍历证书，fn 返回错误时停止
	List(ctx context.Context, fn func(*models.CertificateRecord) error) error
}

// ProxyRepository 引用证书的代理资源访问接口
type ProxyRepository interface {
	List(ctx context.Context) ([]*models.ProxyRecord, error)
	// Get 重新读取代理的当前状态
	Get(ctx context.Context, proxy *models.ProxyRecord) (*models.ProxyRecord, error)
	// SetCertificates 用 refs 替换代理的证书列表，指纹不匹配时返回 *ConflictError
	SetCertificates(ctx context.Context, proxy *models.ProxyRecord, refs []string) (*models.Operation, error)
}

// OperationWaiter 查询长时操作的状态，平台可能会短暂阻塞
type OperationWaiter interface {
	Wait(ctx context.Context, op *models.Operation) (*models.Operation, error)
}

// Awaiter 等待长时操作完成
type Awaiter interface {
	Await(ctx context.Context, op *models.Operation, description string) error
}

// Rebinder 将代理从旧证书切换到新证书
type Rebinder interface {
	Rebind(ctx context.Context, oldRef, newRef string) (int, error)
}
