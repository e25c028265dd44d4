package controllers

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/services"
	"me.sttot/gclb-cert/src/utils"
)

// RenewalController 列出负载均衡上的证书并检查哪些需要续签
type RenewalController struct {
	certificates services.CertificateRepository
	renewBefore  time.Duration
	clock        clock.PassiveClock
}

func NewRenewalController(certificates services.CertificateRepository, renewBefore time.Duration) *RenewalController {
	utils.DebugLog("创建续签检查控制器")
	return &RenewalController{
		certificates: certificates,
		renewBefore:  renewBefore,
		clock:        clock.RealClock{},
	}
}

// Collect 遍历所有证书页，生成清单
func (rc *RenewalController) Collect(ctx context.Context) ([]models.InventoryItem, error) {
	utils.InfoLog("开始收集证书清单")

	now := rc.clock.Now()
	var items []models.InventoryItem
	err := rc.certificates.List(ctx, func(record *models.CertificateRecord) error {
		item := models.InventoryItem{
			Alias:       record.Name,
			SelfLink:    record.SelfLink,
			Managed:     record.Managed,
			Certificate: string(record.CertificatePEM),
		}
		if record.Managed {
			utils.DebugLog("添加托管证书 %s", record.Name)
		} else {
			utils.DebugLog("添加自管理证书 %s", record.Name)
		}

		switch {
		case len(record.CertificatePEM) > 0:
			needsRenewal, expiryTime, err := services.CheckCertificateExpiry(record.CertificatePEM, rc.renewBefore, now)
			if err != nil {
				utils.ErrorLog("检查证书 %s 过期时间出错: %v", record.Name, err)
				break
			}
			item.ExpiresAt, item.NeedsRenewal = expiryTime, needsRenewal
		case record.ExpireTime != "":
			// 托管证书签发前没有证书内容，只有平台给出的过期时间
			expiryTime, err := time.Parse(time.RFC3339, record.ExpireTime)
			if err != nil {
				utils.ErrorLog("解析证书 %s 的过期时间 %q 出错: %v", record.Name, record.ExpireTime, err)
				break
			}
			item.ExpiresAt, item.NeedsRenewal = expiryTime, expiryTime.Sub(now) < rc.renewBefore
		}

		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.InfoLog("共找到%d个证书", len(items))
	return items, nil
}

// CheckCertificates 记录需要续签的证书，返回其别名
func (rc *RenewalController) CheckCertificates(ctx context.Context) ([]string, error) {
	items, err := rc.Collect(ctx)
	if err != nil {
		return nil, err
	}

	var expiring []string
	for _, item := range items {
		if item.NeedsRenewal {
			utils.WarningLog("证书 %s 将在 %s 过期，需要续签", item.Alias, item.ExpiresAt.Format("2006-01-02"))
			expiring = append(expiring, item.Alias)
		} else {
			utils.DebugLog("证书 %s 尚未过期，有效期至 %s", item.Alias, item.ExpiresAt.Format("2006-01-02"))
		}
	}
	return expiring, nil
}
