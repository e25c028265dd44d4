package services

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

// 轮换路径，用于日志和指标
const (
	pathLookup = "lookup"
	pathCreate = "create"
	pathResume = "resume"
	pathRotate = "rotate"
	pathDenied = "denied"
)

// RotationService 在不可原地修改证书的平台上完成证书替换
type RotationService struct {
	certificates CertificateRepository
	bindings     Rebinder
	poller       Awaiter
}

func NewRotationService(certificates CertificateRepository, bindings Rebinder, poller Awaiter) *RotationService {
	utils.DebugLog("创建轮换服务")
	return &RotationService{
		certificates: certificates,
		bindings:     bindings,
		poller:       poller,
	}
}

// Rotate 按目标别名和临时别名当前是否存在决定执行的步骤。
// 中途失败时不回滚，重新调用即可从平台的当前状态继续。
func (s *RotationService) Rotate(ctx context.Context, req *models.RotationRequest) (err error) {
	// 查询现有证书失败时还没有决定路径
	path := pathLookup
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		rotationsTotal.WithLabelValues(path, result).Inc()
	}()

	alias, tempAlias := req.Alias, req.TempAlias()

	target, err := s.lookup(ctx, alias)
	if err != nil {
		return err
	}

	if target != nil && !req.Overwrite {
		path = pathDenied
		utils.ErrorLog("证书 %s 已存在且未设置覆盖", alias)
		return &PreconditionError{Alias: alias}
	}

	// 未设置覆盖时不会有之前的轮换留下的临时证书需要处理
	if target == nil && !req.Overwrite {
		path = pathCreate
		utils.DebugLog("证书 %s 不存在，直接添加", alias)
		_, err = s.insert(ctx, alias, req, false)
		return err
	}

	utils.DebugLog("检查临时别名 %s", tempAlias)
	temp, err := s.lookup(ctx, tempAlias)
	if err != nil {
		return err
	}

	switch {
	case target == nil && temp == nil:
		path = pathCreate
		utils.DebugLog("证书 %s 和临时证书都不存在，直接添加", alias)
		_, err = s.insert(ctx, alias, req, false)
		return err

	case target == nil:
		path = pathResume
		utils.InfoLog("证书 %s 不存在但临时证书存在，从上次中断处继续", alias)
		return s.resume(ctx, req, temp)

	default:
		path = pathRotate
		utils.InfoLog("证书 %s 已存在，开始轮换", alias)
		return s.rotate(ctx, req, target, temp)
	}
}

// resume 添加目标证书，将绑定从临时证书切回，再删除临时证书
func (s *RotationService) resume(ctx context.Context, req *models.RotationRequest, temp *models.CertificateRecord) error {
	renewed, err := s.insert(ctx, req.Alias, req, true)
	if err != nil {
		return err
	}
	if err := s.rebind(ctx, temp.SelfLink, renewed.SelfLink); err != nil {
		return err
	}
	return s.delete(ctx, req.TempAlias())
}

func (s *RotationService) rotate(ctx context.Context, req *models.RotationRequest, target, temp *models.CertificateRecord) error {
	var err error
	if temp == nil {
		utils.DebugLog("使用临时别名 %s 添加新证书", req.TempAlias())
		if temp, err = s.insert(ctx, req.TempAlias(), req, true); err != nil {
			return err
		}
	} else {
		utils.DebugLog("临时证书 %s 已存在，跳过添加", req.TempAlias())
	}

	utils.DebugLog("将绑定切换到临时证书")
	if err := s.rebind(ctx, target.SelfLink, temp.SelfLink); err != nil {
		return err
	}

	utils.DebugLog("删除旧证书 %s", req.Alias)
	if err := s.delete(ctx, req.Alias); err != nil {
		return err
	}

	utils.DebugLog("使用原别名 %s 添加新证书", req.Alias)
	renewed, err := s.insert(ctx, req.Alias, req, true)
	if err != nil {
		return err
	}

	utils.DebugLog("将绑定切换回 %s", req.Alias)
	if err := s.rebind(ctx, temp.SelfLink, renewed.SelfLink); err != nil {
		return err
	}

	utils.DebugLog("删除临时证书 %s", req.TempAlias())
	return s.delete(ctx, req.TempAlias())
}

// Remove 删除指定别名的证书
func (s *RotationService) Remove(ctx context.Context, alias string) error {
	utils.InfoLog("删除证书 %s", alias)
	return s.delete(ctx, alias)
}

// lookup 不存在时返回 nil，其他错误向上传递
func (s *RotationService) lookup(ctx context.Context, alias string) (*models.CertificateRecord, error) {
	record, err := s.certificates.Get(ctx, alias)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get certificate %s", alias)
	}
	return record, nil
}

// insert 以 alias 添加证书并等待完成，resolve 为真时重新读取其链接
func (s *RotationService) insert(ctx context.Context, alias string, req *models.RotationRequest, resolve bool) (*models.CertificateRecord, error) {
	record := &models.CertificateRecord{
		Name:           alias,
		CertificatePEM: req.Certificate,
		PrivateKeyPEM:  req.PrivateKey,
	}
	op, err := s.certificates.Insert(ctx, record)
	if err != nil {
		return nil, errors.Wrapf(err, "insert certificate %s", alias)
	}
	if err := s.poller.Await(ctx, op, fmt.Sprintf("inserting certificate for alias %s", alias)); err != nil {
		return nil, err
	}
	if !resolve {
		return record, nil
	}

	inserted, err := s.certificates.Get(ctx, alias)
	if err != nil {
		return nil, errors.Wrapf(err, "read inserted certificate %s", alias)
	}
	return inserted, nil
}

func (s *RotationService) delete(ctx context.Context, alias string) error {
	op, err := s.certificates.Delete(ctx, alias)
	if err != nil {
		return errors.Wrapf(err, "delete certificate %s", alias)
	}
	return s.poller.Await(ctx, op, fmt.Sprintf("deleting %s", alias))
}

func (s *RotationService) rebind(ctx context.Context, oldRef, newRef string) error {
	if _, err := s.bindings.Rebind(ctx, oldRef, newRef); err != nil {
		return errors.Wrapf(err, "replace bindings %s with %s", oldRef, newRef)
	}
	return nil
}
