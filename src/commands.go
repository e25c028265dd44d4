package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	"me.sttot/gclb-cert/src/controllers"
	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/services"
	"me.sttot/gclb-cert/src/utils"
)

const (
	aliasFlag       = "alias"
	certFileFlag    = "cert-file"
	keyFileFlag     = "key-file"
	pfxFileFlag     = "pfx-file"
	pfxPasswordFlag = "pfx-password"
	overwriteFlag   = "overwrite"
	renewBeforeFlag = "renew-before"

	configSecretNameFlag       = "config-secret-name"
	configSecretNamespaceFlag  = "config-secret-namespace"
	configMapKeyFlag           = "config-map-key"
	contextSecretNameFlag      = "context-secret-name"
	contextSecretNamespaceFlag = "context-secret-namespace"
	checkIntervalFlag          = "check-interval"
	workersFlag                = "workers"
	metricsAddrFlag            = "metrics-addr"

	defaultRenewBefore = 30 * 24 * time.Hour

	metricsReadHeaderTimeout = 10 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

// gcpClients 一个范围内的证书仓库和轮换服务
type gcpClients struct {
	scope        models.Scope
	certificates *services.GCPCertificateRepository
	rotation     *services.RotationService
}

func resolveScope() (models.Scope, error) {
	if storePath := viper.GetString(storePathFlag); storePath != "" {
		return models.ParseScope(storePath)
	}
	project := viper.GetString(projectFlag)
	if project == "" {
		return models.Scope{}, fmt.Errorf("--%s or --%s is required", projectFlag, storePathFlag)
	}
	return models.Scope{Project: project, Region: viper.GetString(regionFlag)}, nil
}

func newGCPClients(ctx context.Context) (*gcpClients, error) {
	scope, err := resolveScope()
	if err != nil {
		return nil, err
	}
	utils.DebugLog("项目 %s，区域 %q", scope.Project, scope.Region)

	computeService, err := services.NewComputeService(ctx, services.GCPOptions{
		CredentialsJSON: viper.GetString(credentialsJSONFlag),
		CredentialsFile: viper.GetString(credentialsFileFlag),
		Endpoint:        viper.GetString(endpointFlag),
	})
	if err != nil {
		return nil, err
	}

	certificates := services.NewGCPCertificateRepository(computeService, scope)
	poller := services.NewOperationPoller(services.NewGCPOperationWaiter(computeService, scope), services.PollerOptions{
		Interval: viper.GetDuration(pollIntervalFlag),
		Timeout:  viper.GetDuration(pollTimeoutFlag),
	})
	bindings := services.NewBindingService(services.NewGCPProxyRepository(computeService, scope), poller)

	return &gcpClients{
		scope:        scope,
		certificates: certificates,
		rotation:     services.NewRotationService(certificates, bindings, poller),
	}, nil
}

func newRotateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Add a certificate, replacing the existing one without downtime when --overwrite is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRotationRequest()
			if err != nil {
				return err
			}
			clients, err := newGCPClients(cmd.Context())
			if err != nil {
				return err
			}
			if err := clients.rotation.Rotate(cmd.Context(), req); err != nil {
				return fmt.Errorf("error adding or binding certificate %s: %w", req.Alias, err)
			}
			utils.InfoLog("证书 %s 已部署到 %s", req.Alias, clients.scope)
			return nil
		},
	}
	cmd.Flags().String(aliasFlag, "", "Certificate alias, generated from the certificate when empty")
	cmd.Flags().String(certFileFlag, "", "PEM certificate chain file")
	cmd.Flags().String(keyFileFlag, "", "PEM private key file")
	cmd.Flags().String(pfxFileFlag, "", "PFX/PKCS#12 file holding the certificate and private key")
	cmd.Flags().String(pfxPasswordFlag, "", "Password of the PFX file")
	cmd.Flags().Bool(overwriteFlag, false, "Replace an existing certificate with the same alias")
	cmd.MarkFlagsMutuallyExclusive(certFileFlag, pfxFileFlag)
	cmd.MarkFlagsRequiredTogether(certFileFlag, keyFileFlag)
	return cmd
}

// loadRotationRequest 从PEM或PFX文件读取证书，并确定别名
func loadRotationRequest() (*models.RotationRequest, error) {
	var certPEM, keyPEM []byte
	switch {
	case viper.GetString(pfxFileFlag) != "":
		pfxData, err := os.ReadFile(viper.GetString(pfxFileFlag))
		if err != nil {
			return nil, fmt.Errorf("read pfx file: %v", err)
		}
		if certPEM, keyPEM, err = services.ConvertPFX(pfxData, viper.GetString(pfxPasswordFlag)); err != nil {
			return nil, err
		}
	case viper.GetString(certFileFlag) != "":
		var err error
		if certPEM, err = os.ReadFile(viper.GetString(certFileFlag)); err != nil {
			return nil, fmt.Errorf("read certificate file: %v", err)
		}
		if keyPEM, err = os.ReadFile(viper.GetString(keyFileFlag)); err != nil {
			return nil, fmt.Errorf("read key file: %v", err)
		}
	default:
		return nil, fmt.Errorf("either --%s/--%s or --%s is required", certFileFlag, keyFileFlag, pfxFileFlag)
	}

	alias := viper.GetString(aliasFlag)
	source := "job"
	if alias == "" {
		var err error
		if alias, err = services.GenerateAlias(certPEM); err != nil {
			return nil, err
		}
		source = "generated"
	}
	if err := services.ValidateAlias(alias); err != nil {
		return nil, err
	}
	utils.DebugLog("使用%s别名 %s", source, alias)

	return &models.RotationRequest{
		Alias:       alias,
		Certificate: certPEM,
		PrivateKey:  keyPEM,
		Overwrite:   viper.GetBool(overwriteFlag),
	}, nil
}

func newRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a certificate that is no longer bound to any proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			alias := viper.GetString(aliasFlag)
			if alias == "" {
				return fmt.Errorf("--%s is required", aliasFlag)
			}
			clients, err := newGCPClients(cmd.Context())
			if err != nil {
				return err
			}
			return clients.rotation.Remove(cmd.Context(), alias)
		},
	}
	cmd.Flags().String(aliasFlag, "", "Alias of the certificate to delete")
	return cmd
}

func newInventoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List certificates and report those that need renewal",
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := newGCPClients(cmd.Context())
			if err != nil {
				return err
			}
			items, err := controllers.NewRenewalController(clients.certificates, viper.GetDuration(renewBeforeFlag)).Collect(cmd.Context())
			if err != nil {
				return fmt.Errorf("error performing certificate inventory: %w", err)
			}

			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			defer encoder.Close()
			return encoder.Encode(items)
		},
	}
	cmd.Flags().Duration(renewBeforeFlag, defaultRenewBefore, "Report certificates expiring within this duration")
	return cmd
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Continuously push Kubernetes TLS secrets to the load balancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync()
		},
	}
	flags := cmd.Flags()
	flags.String(configSecretNameFlag, "autocert-config", "Secret holding the synchronisation config")
	flags.String(configSecretNamespaceFlag, "default", "Namespace of the config secret")
	flags.String(configMapKeyFlag, "config.yaml", "Key of the config document in the config secret")
	flags.String(contextSecretNameFlag, "gclb-cert-context", "Secret recording synchronised certificates")
	flags.String(contextSecretNamespaceFlag, "default", "Namespace of the context secret")
	flags.Duration(checkIntervalFlag, 24*time.Hour, "Interval between two synchronisation rounds")
	flags.Int(workersFlag, 2, "Number of aliases synchronised concurrently")
	flags.String(metricsAddrFlag, ":8090", "Listen address of the Prometheus metrics endpoint, empty to disable")
	flags.Duration(renewBeforeFlag, defaultRenewBefore, "Warn about load balancer certificates expiring within this duration")
	return cmd
}

func runSync() error {
	utils.InfoLog("启动证书同步服务...")

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 获取 Kubernetes 配置
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("get kubernetes config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("create kubernetes client: %v", err)
	}
	utils.DebugLog("成功创建Kubernetes客户端")

	clients, err := newGCPClients(ctx)
	if err != nil {
		return err
	}

	certificateService := services.NewCertificateService(clientset,
		viper.GetString(contextSecretNamespaceFlag), viper.GetString(contextSecretNameFlag))
	certController := controllers.NewCertificateController(clientset, certificateService, clients.rotation, controllers.ControllerOptions{
		ConfigSecretName:      viper.GetString(configSecretNameFlag),
		ConfigSecretNamespace: viper.GetString(configSecretNamespaceFlag),
		ConfigMapKey:          viper.GetString(configMapKeyFlag),
		CheckInterval:         viper.GetDuration(checkIntervalFlag),
		Workers:               viper.GetInt(workersFlag),
	})
	renewalController := controllers.NewRenewalController(clients.certificates, viper.GetDuration(renewBeforeFlag))

	var metricsServer *http.Server
	if addr := viper.GetString(metricsAddrFlag); addr != "" {
		metricsServer = startMetricsServer(addr)
	}

	if err := certController.Start(ctx); err != nil {
		return fmt.Errorf("start certificate controller: %v", err)
	}
	go wait.Until(func() {
		if _, err := renewalController.CheckCertificates(ctx); err != nil {
			utils.ErrorLog("检查负载均衡证书有效期失败: %v", err)
		}
	}, viper.GetDuration(checkIntervalFlag), ctx.Done())

	// 等待信号以优雅退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	utils.InfoLog("收到退出信号，正在停止服务...")
	certController.Stop()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			utils.ErrorLog("停止指标服务失败: %v", err)
		}
	}
	utils.InfoLog("服务已停止")
	return nil
}

// newMetricsServer 在 /metrics 暴露 Prometheus 指标
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", services.MetricsHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func startMetricsServer(addr string) *http.Server {
	server := newMetricsServer(addr)
	go func() {
		utils.InfoLog("指标服务监听 %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ErrorLog("指标服务退出: %v", err)
		}
	}()
	return server
}
