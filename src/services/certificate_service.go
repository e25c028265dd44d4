package services

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

const contextDataKey = "context"

type CertificateService struct {
	// mu 串行化同一进程内对上下文Secret的读改写
	mu                     sync.Mutex
	clientset              kubernetes.Interface
	contextSecretName      string
	contextSecretNamespace string
}

func NewCertificateService(clientset kubernetes.Interface, contextSecretNamespace, contextSecretName string) *CertificateService {
	utils.DebugLog("创建证书服务")
	return &CertificateService{
		clientset:              clientset,
		contextSecretName:      contextSecretName,
		contextSecretNamespace: contextSecretNamespace,
	}
}

// LoadCertificateContext 从Kubernetes Secret加载同步上下文
func (cs *CertificateService) LoadCertificateContext(ctx context.Context) (*models.CertificateContext, error) {
	_, certContext, err := cs.loadContextSecret(ctx)
	return certContext, err
}

// loadContextSecret 读取上下文Secret及其内容，Secret不存在时返回nil和空上下文
func (cs *CertificateService) loadContextSecret(ctx context.Context) (*corev1.Secret, *models.CertificateContext, error) {
	utils.DebugLog("从Secret %s/%s加载同步上下文", cs.contextSecretNamespace, cs.contextSecretName)

	secret, err := cs.clientset.CoreV1().Secrets(cs.contextSecretNamespace).Get(ctx, cs.contextSecretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		// 如果Secret不存在，创建一个新的上下文
		utils.DebugLog("同步上下文Secret不存在，创建新的上下文")
		return nil, &models.CertificateContext{Certificates: make(map[string]models.SyncRecord)}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get context secret %s/%s: %v", cs.contextSecretNamespace, cs.contextSecretName, err)
	}

	dataJson, ok := secret.Data[contextDataKey]
	if !ok {
		utils.DebugLog("同步上下文Secret存在但没有context字段，创建新的上下文")
		return secret, &models.CertificateContext{Certificates: make(map[string]models.SyncRecord)}, nil
	}

	var certContext models.CertificateContext
	if err := json.Unmarshal(dataJson, &certContext); err != nil {
		utils.ErrorLog("解析同步上下文数据失败: %v", err)
		return nil, nil, fmt.Errorf("unmarshal certificate context: %v", err)
	}
	if certContext.Certificates == nil {
		certContext.Certificates = make(map[string]models.SyncRecord)
	}

	utils.DebugLog("成功加载同步上下文，包含%d个证书", len(certContext.Certificates))
	return secret, &certContext, nil
}

// SaveCertificateContext 保存同步上下文到Kubernetes Secret，覆盖已有内容
func (cs *CertificateService) SaveCertificateContext(ctx context.Context, certContext *models.CertificateContext) error {
	return cs.updateCertificateContext(ctx, func(current *models.CertificateContext) {
		current.Certificates = certContext.Certificates
	})
}

// updateCertificateContext 读取、修改并写回上下文。
// 写入使用读取时的resourceVersion，被其他写入者抢先时重新读取再修改。
func (cs *CertificateService) updateCertificateContext(ctx context.Context, mutate func(*models.CertificateContext)) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	secrets := cs.clientset.CoreV1().Secrets(cs.contextSecretNamespace)
	err := retry.OnError(retry.DefaultRetry, isWriteConflict, func() error {
		existing, certContext, err := cs.loadContextSecret(ctx)
		if err != nil {
			return err
		}
		mutate(certContext)

		dataJson, err := json.Marshal(certContext)
		if err != nil {
			utils.ErrorLog("序列化同步上下文失败: %v", err)
			return fmt.Errorf("marshal certificate context: %v", err)
		}

		if existing == nil {
			utils.DebugLog("创建同步上下文Secret")
			_, err = secrets.Create(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      cs.contextSecretName,
					Namespace: cs.contextSecretNamespace,
				},
				Data: map[string][]byte{contextDataKey: dataJson},
			}, metav1.CreateOptions{})
			return err
		}

		utils.DebugLog("更新现有的同步上下文Secret")
		if existing.Data == nil {
			existing.Data = map[string][]byte{}
		}
		existing.Data[contextDataKey] = dataJson
		_, err = secrets.Update(ctx, existing, metav1.UpdateOptions{})
		return err
	})

	if err != nil {
		utils.ErrorLog("保存同步上下文失败: %v", err)
		return fmt.Errorf("save certificate context: %v", err)
	}
	utils.DebugLog("同步上下文保存成功")
	return nil
}

// isWriteConflict 其他写入者更新或创建了同一个Secret
func isWriteConflict(err error) bool {
	return apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err)
}

// GetSyncRecord 获取别名最近一次同步的记录，没有时返回nil
func (cs *CertificateService) GetSyncRecord(ctx context.Context, alias string) (*models.SyncRecord, error) {
	certContext, err := cs.LoadCertificateContext(ctx)
	if err != nil {
		return nil, err
	}
	record, exists := certContext.Certificates[alias]
	if !exists {
		utils.DebugLog("别名 %s 没有同步记录", alias)
		return nil, nil
	}
	return &record, nil
}

// StoreSyncRecord 存储别名的同步记录，不影响其他别名的记录
func (cs *CertificateService) StoreSyncRecord(ctx context.Context, record *models.SyncRecord) error {
	utils.DebugLog("存储别名 %s 的同步记录", record.Alias)
	return cs.updateCertificateContext(ctx, func(certContext *models.CertificateContext) {
		certContext.Certificates[record.Alias] = *record
	})
}

// LoadTLSSecret 读取 kubernetes.io/tls Secret 中的证书和私钥
func (cs *CertificateService) LoadTLSSecret(ctx context.Context, ref models.SecretRef) ([]byte, []byte, error) {
	utils.DebugLog("读取TLS Secret %s", ref)

	secret, err := cs.clientset.CoreV1().Secrets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get tls secret %s: %v", ref, err)
	}

	certPEM := secret.Data[corev1.TLSCertKey]
	keyPEM := secret.Data[corev1.TLSPrivateKeyKey]
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		utils.ErrorLog("Secret %s 中证书或密钥数据为空", ref)
		return nil, nil, fmt.Errorf("tls secret %s: certificate or key data is empty", ref)
	}
	return certPEM, keyPEM, nil
}

// ParseCertificate 解析PEM数据中的第一个证书
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	for rest := certPEM; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %v", err)
		}
		return cert, nil
	}
	return nil, fmt.Errorf("failed to parse certificate PEM")
}

// Fingerprint 计算第一个证书的SHA-256指纹
func Fingerprint(certPEM []byte) (string, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

// CheckCertificateExpiry 检查证书是否过期或将在 renewBefore 内过期
func CheckCertificateExpiry(certPEM []byte, renewBefore time.Duration, now time.Time) (bool, time.Time, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return false, time.Time{}, err
	}

	expiryTime := cert.NotAfter
	expiresInDays := int(expiryTime.Sub(now).Hours() / 24)
	utils.DebugLog("证书有效期至 %s（还有%d天）", expiryTime.Format("2006-01-02"), expiresInDays)

	return expiryTime.Sub(now) < renewBefore, expiryTime, nil
}
