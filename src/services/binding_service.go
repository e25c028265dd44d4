package services

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

// BindingService 重写代理的证书引用列表
type BindingService struct {
	proxies ProxyRepository
	poller  Awaiter
	backoff wait.Backoff
}

func NewBindingService(proxies ProxyRepository, poller Awaiter) *BindingService {
	utils.DebugLog("创建绑定服务")
	return &BindingService{
		proxies: proxies,
		poller:  poller,
		backoff: retry.DefaultRetry,
	}
}

// Rebind 将所有引用 oldRef 或 newRef 的代理改为只引用 newRef，返回被修改的代理数
func (b *BindingService) Rebind(ctx context.Context, oldRef, newRef string) (int, error) {
	utils.DebugLog("切换证书绑定 %s -> %s", oldRef, newRef)

	proxies, err := b.proxies.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list proxies")
	}

	updated := 0
	for _, proxy := range proxies {
		if !proxy.References(oldRef) && !proxy.References(newRef) {
			continue
		}

		changed, err := b.rebindProxy(ctx, proxy, oldRef, newRef)
		if err != nil {
			utils.ErrorLog("更新代理 %s 的证书失败: %v", proxy.Name, err)
			return updated, errors.Wrapf(err, "bind %s to proxy %s", newRef, proxy.Name)
		}
		if changed {
			updated++
			rebindsTotal.Inc()
		}
	}

	if updated == 0 {
		utils.DebugLog("没有代理需要更新 %s", newRef)
	} else {
		utils.InfoLog("已将%d个代理切换到 %s", updated, newRef)
	}
	return updated, nil
}

// rebindProxy 读取最新状态后写入，指纹冲突时重新读取并重试
func (b *BindingService) rebindProxy(ctx context.Context, proxy *models.ProxyRecord, oldRef, newRef string) (bool, error) {
	changed := false
	err := retry.OnError(b.backoff, IsConflict, func() error {
		current, err := b.proxies.Get(ctx, proxy)
		if IsNotFound(err) {
			utils.WarningLog("代理 %s 已被删除，跳过", proxy.Name)
			changed = false
			return nil
		}
		if err != nil {
			return err
		}

		refs := ReplaceReference(current.CertificateReferences, oldRef, newRef)
		if equalReferences(refs, current.CertificateReferences) {
			utils.DebugLog("代理 %s 已引用 %s，无需更新", current.Name, newRef)
			changed = false
			return nil
		}

		utils.DebugLog("更新代理 %s 的证书列表: %v", current.Name, refs)
		op, err := b.proxies.SetCertificates(ctx, current, refs)
		if err != nil {
			return err
		}
		if err := b.poller.Await(ctx, op, fmt.Sprintf("binding %s to proxy %s", newRef, current.Name)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// ReplaceReference 去掉 oldRef 和 newRef 以及重复项，再在末尾追加 newRef
func ReplaceReference(refs []string, oldRef, newRef string) []string {
	result := make([]string, 0, len(refs)+1)
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref == oldRef || ref == newRef {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		result = append(result, ref)
	}
	return append(result, newRef)
}

func equalReferences(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
