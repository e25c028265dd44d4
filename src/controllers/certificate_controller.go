package controllers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/services"
	"me.sttot/gclb-cert/src/utils"
)

// Rotator 执行一次证书轮换
type Rotator interface {
	Rotate(ctx context.Context, req *models.RotationRequest) error
}

// ControllerOptions 同步控制器的配置
type ControllerOptions struct {
	// 证书配置保存的Secret
	ConfigSecretName      string
	ConfigSecretNamespace string
	ConfigMapKey          string
	// 证书检查周期
	CheckInterval time.Duration
	Workers       int
}

// pendingRotation 已解析、等待同步的证书
type pendingRotation struct {
	binding     models.CertificateBinding
	request     *models.RotationRequest
	fingerprint string
	expiresAt   time.Time
}

// CertificateController 将 Kubernetes TLS Secret 中的证书同步到负载均衡。
// 队列以别名为键，同一别名不会被两个worker同时处理。
type CertificateController struct {
	clientset          kubernetes.Interface
	certificateService *services.CertificateService
	rotator            Rotator
	opts               ControllerOptions
	queue              workqueue.RateLimitingInterface
	stopCh             chan struct{}
	clock              clock.PassiveClock

	mu      sync.Mutex
	pending map[string]*pendingRotation
}

func NewCertificateController(clientset kubernetes.Interface, certService *services.CertificateService, rotator Rotator, opts ControllerOptions) *CertificateController {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 24 * time.Hour
	}
	return &CertificateController{
		clientset:          clientset,
		certificateService: certService,
		rotator:            rotator,
		opts:               opts,
		queue:              workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "certificates"),
		stopCh:             make(chan struct{}),
		clock:              clock.RealClock{},
		pending:            make(map[string]*pendingRotation),
	}
}

// Start 启动证书控制器
func (c *CertificateController) Start(ctx context.Context) error {
	utils.InfoLog("启动证书同步控制器")
	utils.DebugLog("证书检查周期为 %s，worker数量 %d", c.opts.CheckInterval, c.opts.Workers)

	// 立即处理所有证书
	if err := c.ProcessAllCertificates(ctx); err != nil {
		utils.ErrorLog("初始处理证书失败: %v", err)
	}

	for i := 0; i < c.opts.Workers; i++ {
		go wait.Until(func() {
			for c.processNextItem(ctx) {
			}
		}, time.Second, c.stopCh)
	}

	go func() {
		utils.DebugLog("启动定期证书检查任务，首次检查将在 %s 后执行", c.opts.CheckInterval)
		ticker := time.NewTicker(c.opts.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				utils.DebugLog("执行定期证书检查任务")
				if err := c.ProcessAllCertificates(ctx); err != nil {
					utils.ErrorLog("定期处理证书失败: %v", err)
				}
			case <-c.stopCh:
				utils.DebugLog("定期证书检查任务已停止")
				return
			}
		}
	}()

	return nil
}

// Stop 停止证书控制器
func (c *CertificateController) Stop() {
	utils.InfoLog("停止证书同步控制器")
	close(c.stopCh)
	c.queue.ShutDown()
}

// LoadCertificatesFromConfig 从配置Secret加载证书配置
func (c *CertificateController) LoadCertificatesFromConfig(ctx context.Context) ([]models.CertificateBinding, error) {
	utils.DebugLog("从Secret %s/%s加载证书配置", c.opts.ConfigSecretNamespace, c.opts.ConfigSecretName)

	secret, err := c.clientset.CoreV1().Secrets(c.opts.ConfigSecretNamespace).Get(ctx, c.opts.ConfigSecretName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get config secret: %v", err)
	}

	configYaml, ok := secret.Data[c.opts.ConfigMapKey]
	if !ok {
		return nil, fmt.Errorf("config secret has no %s key", c.opts.ConfigMapKey)
	}

	utils.DebugLog("解析证书配置YAML数据")
	bindings, err := parseYamlConfig(configYaml)
	if err != nil {
		return nil, err
	}

	utils.DebugLog("成功加载了%d个证书配置", len(bindings))
	return bindings, nil
}

// ProcessAllCertificates 读取配置和TLS Secret，将每个别名加入队列
func (c *CertificateController) ProcessAllCertificates(ctx context.Context) error {
	utils.DebugLog("开始处理所有证书")

	bindings, err := c.LoadCertificatesFromConfig(ctx)
	if err != nil {
		return fmt.Errorf("load certificate config: %v", err)
	}

	var errs []error
	resolved := make(map[string]*pendingRotation, len(bindings))
	for _, binding := range bindings {
		pending, err := c.resolveBinding(ctx, binding)
		if err != nil {
			utils.ErrorLog("处理Secret %s 失败: %v", binding.Secret, err)
			errs = append(errs, err)
			continue
		}

		alias := pending.request.Alias
		if other, exists := resolved[alias]; exists {
			err := fmt.Errorf("alias %s is configured for both %s and %s", alias, other.binding.Secret, binding.Secret)
			utils.ErrorLog("%v", err)
			errs = append(errs, err)
			continue
		}
		resolved[alias] = pending
	}

	c.mu.Lock()
	c.pending = resolved
	c.mu.Unlock()

	for alias := range resolved {
		c.queue.Add(alias)
	}

	utils.DebugLog("已将%d个证书加入队列", len(resolved))
	return errors.NewAggregate(errs)
}

// resolveBinding 读取Secret中的证书并确定别名
func (c *CertificateController) resolveBinding(ctx context.Context, binding models.CertificateBinding) (*pendingRotation, error) {
	certPEM, keyPEM, err := c.certificateService.LoadTLSSecret(ctx, binding.Secret)
	if err != nil {
		return nil, err
	}

	alias := binding.Alias
	if alias == "" {
		if alias, err = services.GenerateAlias(certPEM); err != nil {
			return nil, fmt.Errorf("generate alias for %s: %v", binding.Secret, err)
		}
		utils.DebugLog("Secret %s 使用生成的别名 %s", binding.Secret, alias)
	}
	if err := services.ValidateAlias(alias); err != nil {
		return nil, err
	}

	fingerprint, err := services.Fingerprint(certPEM)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %v", binding.Secret, err)
	}
	cert, err := services.ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %v", binding.Secret, err)
	}

	return &pendingRotation{
		binding: binding,
		request: &models.RotationRequest{
			Alias:       alias,
			Certificate: certPEM,
			PrivateKey:  keyPEM,
			Overwrite:   binding.Overwrite,
		},
		fingerprint: fingerprint,
		expiresAt:   cert.NotAfter,
	}, nil
}

func (c *CertificateController) processNextItem(ctx context.Context) bool {
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(key)

	alias := key.(string)
	err := c.ProcessCertificate(ctx, alias)
	switch {
	case err == nil:
		c.queue.Forget(key)
	case services.IsPrecondition(err):
		// 需要修改配置才能继续，不自动重试
		utils.ErrorLog("证书 %s 未同步: %v", alias, err)
		c.queue.Forget(key)
	default:
		utils.ErrorLog("同步证书 %s 失败，稍后重试: %v", alias, err)
		c.queue.AddRateLimited(key)
	}
	return true
}

// ProcessCertificate 同步单个别名，证书未变化时跳过
func (c *CertificateController) ProcessCertificate(ctx context.Context, alias string) error {
	c.mu.Lock()
	pending, ok := c.pending[alias]
	c.mu.Unlock()
	if !ok {
		utils.DebugLog("别名 %s 已不在配置中", alias)
		return nil
	}

	record, err := c.certificateService.GetSyncRecord(ctx, alias)
	if err != nil {
		return err
	}
	if record != nil && record.Fingerprint == pending.fingerprint {
		utils.DebugLog("证书 %s 未变化，无需同步", alias)
		return nil
	}

	utils.InfoLog("同步证书 %s (来自 %s)，有效期至 %s", alias, pending.binding.Secret, pending.expiresAt.Format("2006-01-02"))
	if err := c.rotator.Rotate(ctx, pending.request); err != nil {
		return err
	}

	if err := c.certificateService.StoreSyncRecord(ctx, &models.SyncRecord{
		Alias:       alias,
		Secret:      pending.binding.Secret,
		Fingerprint: pending.fingerprint,
		SyncedAt:    c.clock.Now().UTC(),
		ExpiresAt:   pending.expiresAt,
	}); err != nil {
		return err
	}

	utils.InfoLog("证书 %s 同步成功", alias)
	return nil
}

// parseYamlConfig 解析YAML配置
func parseYamlConfig(yamlData []byte) ([]models.CertificateBinding, error) {
	var config models.SyncConfig
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("parse yaml config: %v", err)
	}

	for i, binding := range config.Certificates {
		if binding.Secret.Name == "" {
			return nil, fmt.Errorf("certificates[%d]: secret name is required", i)
		}
		if binding.Secret.Namespace == "" {
			config.Certificates[i].Secret.Namespace = "default"
		}
	}
	return config.Certificates, nil
}
