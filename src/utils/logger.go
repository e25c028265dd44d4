// Package utils 提供项目通用工具函数
package utils

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// debugVerbosity 调试日志使用的klog级别
const debugVerbosity = 4

var (
	// IsDebugMode 标识是否启用调试模式
	IsDebugMode bool
	once        sync.Once
)

// InitLogger 初始化日志系统，检测环境变量或参数并设置日志级别
func InitLogger(debug bool) {
	once.Do(func() {
		IsDebugMode = debug || strings.ToLower(os.Getenv("DEBUG_MODE")) == "true"

		fs := flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(fs)
		if IsDebugMode {
			// 调试模式下打开V(4)日志
			_ = fs.Set("v", strconv.Itoa(debugVerbosity))
			klog.Info("已启用调试模式")
		}
	})
}

// FlushLogger 刷新缓冲的日志
func FlushLogger() {
	klog.Flush()
}

// DebugLog 打印调试日志，仅在调试模式下输出
func DebugLog(format string, v ...interface{}) {
	klog.V(debugVerbosity).InfofDepth(1, format, v...)
}

// InfoLog 打印信息日志
func InfoLog(format string, v ...interface{}) {
	klog.InfofDepth(1, format, v...)
}

// WarningLog 打印警告日志
func WarningLog(format string, v ...interface{}) {
	klog.WarningfDepth(1, format, v...)
}

// ErrorLog 打印错误日志
func ErrorLog(format string, v ...interface{}) {
	klog.ErrorfDepth(1, format, v...)
}
